package dag

import (
	"github.com/shopspring/decimal"
)

// Unit is the immutable, content-addressed record described in spec §3.
// UnitHash is computed by pkg/canon from the rest of the fields — it is
// never set directly by a caller that also sets the other fields.
type Unit struct {
	UnitHash    string `json:"unit"`
	Version     string `json:"version"`
	AltChainID  string `json:"alt,omitempty"`
	ParentUnits []string `json:"parent_units"`

	LastBall     string `json:"last_ball,omitempty"`
	LastBallUnit string `json:"last_ball_unit,omitempty"`

	WitnessListUnit string `json:"witness_list_unit,omitempty"`
	Witnesses       []string `json:"witnesses,omitempty"`

	HeadersCommission uint64 `json:"headers_commission"`
	PayloadCommission uint64 `json:"payload_commission"`

	MainChainIndex *uint64 `json:"main_chain_index,omitempty"`
	Level          uint64  `json:"-"`

	LatestIncludedMCIndex *uint64 `json:"-"`

	IsOnMainChain bool     `json:"-"`
	IsStable      bool     `json:"-"`
	IsFree        bool     `json:"-"`
	Sequence      Sequence `json:"-"`

	Timestamp int64 `json:"timestamp"`

	Authors  []Author  `json:"authors"`
	Messages []Message `json:"messages"`
}

// Author binds one signer to a unit.
type Author struct {
	Address        string            `json:"address"`
	Definition     interface{}       `json:"definition,omitempty"`
	Authentifiers  map[string]string `json:"authentifiers"`
}

// Message is one typed payload carried by a unit.
type Message struct {
	App            MessageApp      `json:"app"`
	PayloadLocation PayloadLocation `json:"payload_location"`
	PayloadHash    string          `json:"payload_hash,omitempty"`
	Payload        interface{}     `json:"payload,omitempty"`

	Inputs  []Input  `json:"inputs,omitempty"`
	Outputs []Output `json:"outputs,omitempty"`
}

// Output is one spendable (or spent) payment destination.
type Output struct {
	Unit         string  `json:"-"`
	MessageIndex int     `json:"-"`
	OutputIndex  int     `json:"-"`
	Address      string  `json:"address"`
	Amount       uint64  `json:"amount"`
	Asset        string  `json:"asset,omitempty"`
	Blinding     string  `json:"blinding,omitempty"`
	IsSpent      bool    `json:"-"`
	Denomination uint64  `json:"denomination,omitempty"`
}

// Input references (or issues) value consumed by a payment message.
type Input struct {
	Unit           string    `json:"-"`
	MessageIndex   int       `json:"-"`
	InputIndex     int       `json:"-"`
	Type           InputType `json:"type,omitempty"`
	SrcUnit        string    `json:"unit,omitempty"`
	SrcMessageIndex int      `json:"message_index,omitempty"`
	SrcOutputIndex int       `json:"output_index,omitempty"`
	SerialNumber   uint64    `json:"serial_number,omitempty"`
	Amount         uint64    `json:"amount,omitempty"`
	Asset          string    `json:"asset,omitempty"`
	Address        string    `json:"address,omitempty"`
}

// Ball identifies a stable unit together with the balls of its parents and
// skiplist references. Balls exist only for stable units (I6).
type Ball struct {
	BallHash        string   `json:"ball"`
	Unit            string   `json:"unit"`
	ParentBalls     []string `json:"parent_balls"`
	SkiplistBalls   []string `json:"skiplist_units,omitempty"`
	IsNonserial     bool     `json:"is_nonserial"`
}

// AADefinition is a published Autonomous Agent template (spec §3).
type AADefinition struct {
	Address     string                 `json:"address"`
	Unit        string                 `json:"unit"`
	MCI         uint64                 `json:"mci"`
	BaseAA      string                 `json:"base_aa,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Template    map[string]interface{} `json:"template"`
}

// AATrigger is a queued pending AA execution (spec §3, §4.9).
type AATrigger struct {
	MCI     uint64 `json:"mci"`
	Unit    string `json:"unit"`
	Address string `json:"address"`
}

// StateVarKind tags the dynamic type of an AA state variable value.
type StateVarKind byte

const (
	StateVarDecimal StateVarKind = 'n'
	StateVarString  StateVarKind = 's'
	StateVarBool    StateVarKind = 'b'
	StateVarObject  StateVarKind = 'j'
)

// StateVar is one (address, name) -> value cell in the AA state KV space.
type StateVar struct {
	Address string
	Name    string
	Kind    StateVarKind
	Decimal decimal.Decimal
	Str     string
	Bool    bool
	Object  interface{}
}

// UnitProps is the subset of Unit fields the cache and graph-query layer
// operate on without loading the full unit body.
type UnitProps struct {
	UnitHash              string
	ParentUnits           []string
	Level                 uint64
	WitnessedLevel        uint64
	LatestIncludedMCIndex uint64
	MainChainIndex        *uint64
	IsOnMainChain         bool
	IsStable              bool
	IsFree                bool
	Sequence              Sequence
	WitnessListUnit       string
	AuthorAddresses       []string
	Timestamp             int64
}
