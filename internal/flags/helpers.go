package flags

import (
	"github.com/urfave/cli/v2"

	"github.com/chainguard-network/chainguard/internal/version"
)

// NewApp creates a cli app with the standard version string and usage line.
func NewApp(gitCommit, gitDate, usage string) *cli.App {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Version = version.WithCommit(gitCommit, gitDate)
	app.Usage = usage
	app.HideVersion = true
	return app
}

// Merge concatenates flag slices for commands assembled from shared groups.
func Merge(groups ...[]cli.Flag) []cli.Flag {
	var ret []cli.Flag
	for _, group := range groups {
		ret = append(ret, group...)
	}
	return ret
}
