// Package types holds the persistent entities and shared enums of the
// chainguard monitoring core. Big integers (wei values, block numbers)
// are carried as decimal strings end to end so that no boundary ever
// narrows them to a float.
package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a wallet identity. Created at first sign-in by the API layer;
// the monitoring core only ever reads it.
type User struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Address   string    `gorm:"uniqueIndex;not null" json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// Contract is a monitored contract. Address is globally unique and stored
// lowercase. A contract with a nil OwnerID is public.
type Contract struct {
	ID            string         `gorm:"primaryKey;type:uuid" json:"id"`
	Address       string         `gorm:"uniqueIndex;not null" json:"address"`
	Name          string         `json:"name,omitempty"`
	Network       Network        `gorm:"not null;default:testnet" json:"network"`
	Status        ContractStatus `gorm:"not null;default:pending" json:"status"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	OwnerID       *string        `gorm:"type:uuid;index" json:"ownerId,omitempty"`

	TotalTxs           uint64 `gorm:"not null;default:0" json:"totalTxs"`
	FailedTxs          uint64 `gorm:"not null;default:0" json:"failedTxs"`
	AvgGas             uint64 `gorm:"not null;default:0" json:"avgGas"`
	LastProcessedBlock string `gorm:"not null;default:0" json:"lastProcessedBlock"`

	BaselineGas         uint64     `gorm:"not null;default:0" json:"baselineGas"`
	BaselineGasStdDev   uint64     `gorm:"not null;default:0" json:"baselineGasStdDev"`
	BaselineTxFrequency float64    `gorm:"not null;default:0" json:"baselineTxFrequency"`
	BaselineValue       string     `gorm:"not null;default:0" json:"baselineValue"`
	BaselineValueStdDev string     `gorm:"not null;default:0" json:"baselineValueStdDev"`
	BaselineLastUpdated *time.Time `json:"baselineLastUpdated,omitempty"`

	LastActivity *time.Time `json:"lastActivity,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Transaction is one observed transaction touching a monitored contract.
// Hash is the global dedup key; inserting a duplicate hash is a no-op.
type Transaction struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	Hash            string    `gorm:"uniqueIndex;not null" json:"hash"`
	From            string    `gorm:"column:from_address;index;not null" json:"from"`
	To              string    `gorm:"column:to_address" json:"to,omitempty"`
	Value           string    `gorm:"not null;default:0" json:"value"`
	GasUsed         uint64    `gorm:"not null;default:0" json:"gasUsed"`
	Status          TxStatus  `gorm:"not null" json:"status"`
	BlockNumber     string    `gorm:"not null;default:0" json:"blockNumber"`
	Timestamp       time.Time `json:"timestamp"`
	ContractAddress string    `gorm:"index;not null" json:"contractAddress"`
}

// Finding is a single heuristic firing on a transaction. Findings are not
// user-facing until validated; see Alert.
type Finding struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	ContractAddress string    `gorm:"index;not null" json:"contractAddress"`
	Type            string    `gorm:"not null" json:"type"`
	Severity        Severity  `gorm:"not null" json:"severity"`
	RuleConfidence  float64   `gorm:"not null;default:0" json:"ruleConfidence"`
	FunctionName    string    `json:"functionName,omitempty"`
	Line            int       `json:"line,omitempty"`
	CodeSnippet     string    `json:"codeSnippet,omitempty"`
	Description     string    `json:"description"`
	Validated       bool      `gorm:"not null;default:false" json:"validated"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Alert is a user-visible event. Created only after the validator confirms
// a finding, or directly by the supervisor for operational conditions such
// as MONITORING_FAILURE.
type Alert struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	ContractAddress string    `gorm:"index;not null" json:"contractAddress"`
	Type            string    `gorm:"not null" json:"type"`
	Severity        Severity  `gorm:"not null" json:"severity"`
	Description     string    `json:"description"`
	Recommendation  string    `json:"recommendation,omitempty"`
	Dismissed       bool      `gorm:"not null;default:false" json:"dismissed"`
	LLMValid        *bool     `json:"llmValid,omitempty"`
	LLMConfidence   float64   `json:"llmConfidence,omitempty"`
	LLMReason       string    `json:"llmReason,omitempty"`
	LLMContext      string    `json:"llmContext,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// FailedMonitor records a contract whose supervision was abandoned after
// the retry budget ran out.
type FailedMonitor struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	ContractAddress string    `gorm:"index;not null" json:"contractAddress"`
	Network         Network   `gorm:"not null" json:"network"`
	Reason          string    `json:"reason"`
	Attempts        int       `gorm:"not null;default:0" json:"attempts"`
	LastAttempt     time.Time `json:"lastAttempt"`
	Resolved        bool      `gorm:"not null;default:false" json:"resolved"`
}

// FunctionGasProfile is the per-selector gas baseline of a contract,
// keyed on (contract, selector).
type FunctionGasProfile struct {
	ContractAddress  string    `gorm:"primaryKey" json:"contractAddress"`
	FunctionSelector string    `gorm:"primaryKey" json:"functionSelector"`
	FunctionName     string    `json:"functionName,omitempty"`
	AvgGas           uint64    `gorm:"not null;default:0" json:"avgGas"`
	MinGas           uint64    `gorm:"not null;default:0" json:"minGas"`
	MaxGas           uint64    `gorm:"not null;default:0" json:"maxGas"`
	StdDevGas        uint64    `gorm:"not null;default:0" json:"stdDevGas"`
	CallCount        uint64    `gorm:"not null;default:0" json:"callCount"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// BeforeCreate assigns identifiers so callers never hand-roll them.
func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (c *Contract) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (f *Finding) BeforeCreate(*gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}

func (a *Alert) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func (m *FailedMonitor) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
