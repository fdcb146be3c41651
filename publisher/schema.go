package publisher

import (
	"encoding/json"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainguard-network/chainguard/types"
)

// Schema names registered with the stream registry.
const (
	SchemaSecurityAlert = "SecurityAlert"
	SchemaRiskScore     = "RiskScore"
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	typeUint8   = mustType("uint8")
	typeUint64  = mustType("uint64")
	typeUint256 = mustType("uint256")
	typeAddress = mustType("address")
	typeBytes32 = mustType("bytes32")
	typeString  = mustType("string")
)

var securityAlertArgs = abi.Arguments{
	{Name: "timestamp", Type: typeUint64},
	{Name: "contractAddress", Type: typeAddress},
	{Name: "txHash", Type: typeBytes32},
	{Name: "alertType", Type: typeString},
	{Name: "severity", Type: typeString},
	{Name: "description", Type: typeString},
	{Name: "value", Type: typeUint256},
	{Name: "gasUsed", Type: typeUint64},
	{Name: "confidence", Type: typeUint8},
}

var riskScoreArgs = abi.Arguments{
	{Name: "timestamp", Type: typeUint64},
	{Name: "contractAddress", Type: typeAddress},
	{Name: "sender", Type: typeAddress},
	{Name: "txHash", Type: typeBytes32},
	{Name: "riskScore", Type: typeUint8},
	{Name: "riskLevel", Type: typeString},
	{Name: "primaryFactor", Type: typeString},
	{Name: "value", Type: typeUint256},
	{Name: "gasUsed", Type: typeUint64},
}

// schemaDefinition renders the field list of a schema as the JSON
// definition string stored by the registry.
func schemaDefinition(args abi.Arguments) string {
	type field struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	fields := make([]field, len(args))
	for i, a := range args {
		fields[i] = field{Name: a.Name, Type: a.Type.String()}
	}
	blob, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return string(blob)
}

// SecurityAlert is the record published for every finding.
type SecurityAlert struct {
	Timestamp       uint64
	ContractAddress common.Address
	TxHash          common.Hash
	AlertType       string
	Severity        string
	Description     string
	Value           *big.Int
	GasUsed         uint64
	Confidence      uint8
}

// AlertFromFinding builds the publishable record for one finding on one
// transaction. Confidence is the heuristic's rule confidence as an
// integer percentage.
func AlertFromFinding(f *types.Finding, txHash common.Hash, value *big.Int, gasUsed uint64) *SecurityAlert {
	return &SecurityAlert{
		Timestamp:       uint64(time.Now().UTC().Unix()),
		ContractAddress: common.HexToAddress(f.ContractAddress),
		TxHash:          txHash,
		AlertType:       f.Type,
		Severity:        string(f.Severity),
		Description:     f.Description,
		Value:           value,
		GasUsed:         gasUsed,
		Confidence:      confidencePercent(f.RuleConfidence),
	}
}

// Encode packs the record with the SecurityAlert schema. A nil value
// encodes as zero.
func (a *SecurityAlert) Encode() ([]byte, error) {
	value := a.Value
	if value == nil {
		value = new(big.Int)
	}
	return securityAlertArgs.Pack(
		a.Timestamp, a.ContractAddress, a.TxHash,
		a.AlertType, a.Severity, a.Description,
		value, a.GasUsed, a.Confidence,
	)
}

// DecodeSecurityAlert unpacks a SecurityAlert payload.
func DecodeSecurityAlert(blob []byte) (*SecurityAlert, error) {
	values, err := securityAlertArgs.Unpack(blob)
	if err != nil {
		return nil, err
	}
	return &SecurityAlert{
		Timestamp:       values[0].(uint64),
		ContractAddress: values[1].(common.Address),
		TxHash:          common.Hash(values[2].([32]byte)),
		AlertType:       values[3].(string),
		Severity:        values[4].(string),
		Description:     values[5].(string),
		Value:           values[6].(*big.Int),
		GasUsed:         values[7].(uint64),
		Confidence:      values[8].(uint8),
	}, nil
}

// RiskScore is the record published for transactions whose composite
// score reaches the MEDIUM band.
type RiskScore struct {
	Timestamp       uint64
	ContractAddress common.Address
	Sender          common.Address
	TxHash          common.Hash
	RiskScore       uint8
	RiskLevel       string
	PrimaryFactor   string
	Value           *big.Int
	GasUsed         uint64
}

// Encode packs the record with the RiskScore schema. A nil value encodes
// as zero.
func (r *RiskScore) Encode() ([]byte, error) {
	value := r.Value
	if value == nil {
		value = new(big.Int)
	}
	return riskScoreArgs.Pack(
		r.Timestamp, r.ContractAddress, r.Sender, r.TxHash,
		r.RiskScore, r.RiskLevel, r.PrimaryFactor,
		value, r.GasUsed,
	)
}

// DecodeRiskScore unpacks a RiskScore payload.
func DecodeRiskScore(blob []byte) (*RiskScore, error) {
	values, err := riskScoreArgs.Unpack(blob)
	if err != nil {
		return nil, err
	}
	return &RiskScore{
		Timestamp:       values[0].(uint64),
		ContractAddress: values[1].(common.Address),
		Sender:          values[2].(common.Address),
		TxHash:          common.Hash(values[3].([32]byte)),
		RiskScore:       values[4].(uint8),
		RiskLevel:       values[5].(string),
		PrimaryFactor:   values[6].(string),
		Value:           values[7].(*big.Int),
		GasUsed:         values[8].(uint64),
	}, nil
}

func confidencePercent(rc float64) uint8 {
	if rc <= 0 {
		return 0
	}
	if rc >= 1 {
		return 100
	}
	return uint8(math.Round(rc * 100))
}
