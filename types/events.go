package types

// Push event kinds fanned out by the monitor supervisor. The topic for a
// kind is "contracts.<address>.<kind>" so that a client can subscribe to
// one contract with the pattern "contracts.<address>.*".
const (
	EventTransaction      = "transaction"
	EventNewFinding       = "new_finding"
	EventNewFindings      = "new_findings"
	EventContractUpdate   = "contract_update"
	EventBackfillProgress = "backfill_analysis_progress"
	EventBackfillComplete = "backfill_analysis_complete"
	EventMonitoringFailed = "monitoring_failure"
)

// ContractTopic builds the push topic for an event kind on a contract.
// The address must already be normalized.
func ContractTopic(address, kind string) string {
	return "contracts." + address + "." + kind
}

// PushEvent is implemented by every payload fanned out over the push bus.
// Payloads marshal to JSON with big integers as decimal strings.
type PushEvent interface {
	Kind() string
	Topic() string
}

// TransactionEvent announces one processed transaction together with its
// composite risk assessment.
type TransactionEvent struct {
	ContractAddress string       `json:"contractAddress"`
	Transaction     *Transaction `json:"transaction"`
	RiskScore       int          `json:"riskScore"`
	RiskLevel       RiskLevel    `json:"riskLevel"`
	PrimaryFactor   string       `json:"primaryFactor,omitempty"`
}

func (e *TransactionEvent) Kind() string { return EventTransaction }
func (e *TransactionEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventTransaction)
}

// FindingEvent announces a single new finding.
type FindingEvent struct {
	ContractAddress string   `json:"contractAddress"`
	Finding         *Finding `json:"finding"`
	TxHash          string   `json:"txHash,omitempty"`
}

func (e *FindingEvent) Kind() string { return EventNewFinding }
func (e *FindingEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventNewFinding)
}

// FindingsEvent announces the batch of findings produced by one
// transaction.
type FindingsEvent struct {
	ContractAddress string     `json:"contractAddress"`
	Findings        []*Finding `json:"findings"`
	TxHash          string     `json:"txHash,omitempty"`
}

func (e *FindingsEvent) Kind() string { return EventNewFindings }
func (e *FindingsEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventNewFindings)
}

// ContractUpdateEvent announces a contract state change (status, counters,
// baseline refresh).
type ContractUpdateEvent struct {
	ContractAddress string    `json:"contractAddress"`
	Contract        *Contract `json:"contract"`
}

func (e *ContractUpdateEvent) Kind() string { return EventContractUpdate }
func (e *ContractUpdateEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventContractUpdate)
}

// BackfillProgressEvent reports background analysis progress, emitted
// every few transactions during historical replay.
type BackfillProgressEvent struct {
	ContractAddress string `json:"contractAddress"`
	Processed       int    `json:"processed"`
	Total           int    `json:"total"`
	FindingsSoFar   int    `json:"findingsSoFar"`
}

func (e *BackfillProgressEvent) Kind() string { return EventBackfillProgress }
func (e *BackfillProgressEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventBackfillProgress)
}

// BackfillCompleteEvent reports the end of historical replay analysis.
type BackfillCompleteEvent struct {
	ContractAddress string `json:"contractAddress"`
	Total           int    `json:"total"`
	Findings        int    `json:"findings"`
	DurationMs      int64  `json:"durationMs"`
}

func (e *BackfillCompleteEvent) Kind() string { return EventBackfillComplete }
func (e *BackfillCompleteEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventBackfillComplete)
}

// MonitoringFailureEvent announces that supervision gave up on a contract
// after exhausting its retry budget.
type MonitoringFailureEvent struct {
	ContractAddress string  `json:"contractAddress"`
	Network         Network `json:"network"`
	Reason          string  `json:"reason"`
	Attempts        int     `json:"attempts"`
}

func (e *MonitoringFailureEvent) Kind() string { return EventMonitoringFailed }
func (e *MonitoringFailureEvent) Topic() string {
	return ContractTopic(e.ContractAddress, EventMonitoringFailed)
}
