// Package publisher writes SecurityAlert and RiskScore records to the
// on-chain stream registry. Each publish stores an ABI-encoded payload
// under a random 32-byte data id and emits a typed event whose indexed
// topics carry the monitored contract and, depending on the schema, the
// publisher or the transaction sender. Publishing is strictly best
// effort: a missing signing key, an unregistered schema or a failed
// submission never blocks ingestion.
package publisher

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// RiskScoreFloor is the composite score below which no RiskScore record
// is emitted. It is the lower bound of the MEDIUM band.
const RiskScoreFloor = 30

// publishGasLimit bounds one registry submission. Payloads are a few
// hundred bytes of strings; the limit leaves generous headroom.
const publishGasLimit = 500_000

var (
	sentMeter = metrics.NewRegisteredMeter("guard/publish/sent", nil)
	failMeter = metrics.NewRegisteredMeter("guard/publish/failed", nil)
	skipMeter = metrics.NewRegisteredMeter("guard/publish/skipped", nil)
)

// streamRegistryABI is the interface of the stream registry system
// contract. Schema ids are keccak256 of the schema name; getSchemaId
// returns the zero hash for unregistered names.
const streamRegistryABI = `[
	{"inputs":[{"name":"name","type":"string"},{"name":"definition","type":"string"}],"name":"registerSchema","outputs":[{"name":"schemaId","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"name","type":"string"}],"name":"getSchemaId","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"schemaId","type":"bytes32"},{"name":"dataId","type":"bytes32"},{"name":"topic1","type":"bytes32"},{"name":"topic2","type":"bytes32"},{"name":"payload","type":"bytes"}],"name":"publish","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"schemaId","type":"bytes32"},{"indexed":true,"name":"topic1","type":"bytes32"},{"indexed":true,"name":"topic2","type":"bytes32"},{"indexed":false,"name":"dataId","type":"bytes32"}],"name":"DataPublished","type":"event"}
]`

// Backend is the slice of the chain client the publisher needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config carries the publisher's settings.
type Config struct {
	// PrivateKey is the hex-encoded signing key, with or without the 0x
	// prefix. Empty disables publishing.
	PrivateKey string
	// Registry is the stream registry contract address.
	Registry common.Address
}

// Publisher submits records to the stream registry. Safe for concurrent
// use; submissions are serialized to keep the pending nonce consistent.
type Publisher struct {
	backend Backend
	log     log.Logger

	registry common.Address
	regABI   abi.ABI

	key    *ecdsa.PrivateKey
	from   common.Address
	signer ethtypes.Signer

	sendMu sync.Mutex // serializes nonce acquisition and submission

	mu        sync.Mutex // guards schema ids and counters
	schemaIDs map[string]common.Hash
	published uint64
	failed    uint64
	skipped   uint64
}

// New builds a publisher against a dialed backend. Without a signing key
// the publisher comes up disabled and never touches the backend.
func New(ctx context.Context, backend Backend, cfg Config) (*Publisher, error) {
	regABI, err := abi.JSON(strings.NewReader(streamRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("publisher: registry abi: %w", err)
	}
	p := &Publisher{
		backend:   backend,
		log:       log.New("component", "publisher"),
		registry:  cfg.Registry,
		regABI:    regABI,
		schemaIDs: make(map[string]common.Hash, 2),
	}
	if cfg.PrivateKey == "" {
		p.log.Info("On-chain publishing disabled, no signing key configured")
		return p, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("publisher: signing key: %w", err)
	}
	p.key = key
	p.from = crypto.PubkeyToAddress(key.PublicKey)
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("publisher: chain id: %w", err)
	}
	p.signer = ethtypes.LatestSignerForChainID(chainID)
	p.log.Info("On-chain publishing enabled", "publisher", p.from, "registry", p.registry)
	return p, nil
}

// Enabled reports whether a signing key is configured.
func (p *Publisher) Enabled() bool { return p.key != nil }

// From returns the publisher's signing address.
func (p *Publisher) From() common.Address { return p.from }

// RegisterSchemas looks up or registers the SecurityAlert and RiskScore
// schemas. Schema ids are keccak256 of the schema name, so a successful
// register caches the id without waiting for inclusion. A failure leaves
// the affected id unset and publishes of that schema skip.
func (p *Publisher) RegisterSchemas(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	var errs []error
	for _, s := range []struct{ name, definition string }{
		{SchemaSecurityAlert, schemaDefinition(securityAlertArgs)},
		{SchemaRiskScore, schemaDefinition(riskScoreArgs)},
	} {
		if err := p.ensureSchema(ctx, s.name, s.definition); err != nil {
			p.log.Warn("Schema registration failed", "schema", s.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) ensureSchema(ctx context.Context, name, definition string) error {
	id, err := p.lookupSchema(ctx, name)
	if err != nil {
		return err
	}
	if id == (common.Hash{}) {
		calldata, err := p.regABI.Pack("registerSchema", name, definition)
		if err != nil {
			return err
		}
		if err := p.send(ctx, calldata); err != nil {
			return err
		}
		id = crypto.Keccak256Hash([]byte(name))
		p.log.Info("Registered data schema", "schema", name, "id", id)
	}
	p.mu.Lock()
	p.schemaIDs[name] = id
	p.mu.Unlock()
	return nil
}

func (p *Publisher) lookupSchema(ctx context.Context, name string) (common.Hash, error) {
	calldata, err := p.regABI.Pack("getSchemaId", name)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &p.registry, Data: calldata}, nil)
	if err != nil {
		return common.Hash{}, err
	}
	values, err := p.regABI.Unpack("getSchemaId", out)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(values[0].([32]byte)), nil
}

// PublishAlert emits one SecurityAlert record. Indexed topics are the
// monitored contract and the publisher address.
func (p *Publisher) PublishAlert(ctx context.Context, alert *SecurityAlert) error {
	if !p.Enabled() {
		p.skip()
		return nil
	}
	id, ok := p.schemaID(SchemaSecurityAlert)
	if !ok {
		p.skip()
		p.log.Debug("Skipping publish, schema id unset", "schema", SchemaSecurityAlert)
		return nil
	}
	payload, err := alert.Encode()
	if err != nil {
		p.fail()
		return err
	}
	topic1 := common.BytesToHash(alert.ContractAddress.Bytes())
	topic2 := common.BytesToHash(p.from.Bytes())
	return p.emit(ctx, id, topic1, topic2, payload)
}

// PublishRiskScore emits one RiskScore record when the composite score
// reaches the floor. Indexed topics are the monitored contract and the
// transaction sender.
func (p *Publisher) PublishRiskScore(ctx context.Context, score *RiskScore) error {
	if score.RiskScore < RiskScoreFloor {
		return nil
	}
	if !p.Enabled() {
		p.skip()
		return nil
	}
	id, ok := p.schemaID(SchemaRiskScore)
	if !ok {
		p.skip()
		p.log.Debug("Skipping publish, schema id unset", "schema", SchemaRiskScore)
		return nil
	}
	payload, err := score.Encode()
	if err != nil {
		p.fail()
		return err
	}
	topic1 := common.BytesToHash(score.ContractAddress.Bytes())
	topic2 := common.BytesToHash(score.Sender.Bytes())
	return p.emit(ctx, id, topic1, topic2, payload)
}

func (p *Publisher) emit(ctx context.Context, schemaID, topic1, topic2 common.Hash, payload []byte) error {
	dataID, err := newDataID()
	if err != nil {
		p.fail()
		return err
	}
	calldata, err := p.regABI.Pack("publish", schemaID, dataID, topic1, topic2, payload)
	if err != nil {
		p.fail()
		return err
	}
	if err := p.send(ctx, calldata); err != nil {
		p.fail()
		return err
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	sentMeter.Mark(1)
	return nil
}

// send signs and submits one registry transaction. Serialized so that
// concurrent publishes do not race the pending nonce.
func (p *Publisher) send(ctx context.Context, calldata []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	nonce, err := p.backend.PendingNonceAt(ctx, p.from)
	if err != nil {
		return err
	}
	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &p.registry,
		Gas:      publishGasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := ethtypes.SignTx(tx, p.signer, p.key)
	if err != nil {
		return err
	}
	return p.backend.SendTransaction(ctx, signed)
}

func (p *Publisher) schemaID(name string) (common.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.schemaIDs[name]
	return id, ok && id != (common.Hash{})
}

func (p *Publisher) skip() {
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
	skipMeter.Mark(1)
}

func (p *Publisher) fail() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	failMeter.Mark(1)
}

// Stats is the publisher's self-description for the operational API.
type Stats struct {
	Enabled   bool   `json:"enabled"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// Stats returns a consistent snapshot of the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Enabled:   p.key != nil,
		Published: p.published,
		Failed:    p.failed,
		Skipped:   p.skipped,
	}
}

// newDataID draws a fresh random 32-byte record identifier.
func newDataID() (common.Hash, error) {
	var id common.Hash
	if _, err := rand.Read(id[:]); err != nil {
		return common.Hash{}, err
	}
	return id, nil
}
