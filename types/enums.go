package types

import (
	"errors"
	"fmt"
)

// Network identifies which chain a contract is monitored on.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// ParseNetwork validates a network name received from configuration or storage.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case NetworkTestnet, NetworkMainnet:
		return Network(s), nil
	default:
		return "", fmt.Errorf("types: unknown network %q", s)
	}
}

// ContractStatus is the per-contract processing state machine.
//
// Transitions: pending -> analyzing -> healthy <-> warning <-> critical,
// terminal error/stopped. The monitor owns all transitions.
type ContractStatus string

const (
	StatusPending   ContractStatus = "pending"
	StatusAnalyzing ContractStatus = "analyzing"
	StatusHealthy   ContractStatus = "healthy"
	StatusWarning   ContractStatus = "warning"
	StatusCritical  ContractStatus = "critical"
	StatusError     ContractStatus = "error"
	StatusStopped   ContractStatus = "stopped"
)

// TxStatus is the execution outcome of a transaction.
type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// Severity classifies findings and alerts.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

var ErrUnknownSeverity = errors.New("types: unknown severity")

// ParseSeverity validates a severity label, accepting the canonical
// uppercase form only.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
}

// RiskLevel buckets a composite risk score.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)
