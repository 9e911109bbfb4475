// Package dag holds the shared value types and protocol constants used
// across the validation, graph, storage, and execution packages. Keeping
// them in one leaf package avoids import cycles between the components
// that all need to agree on what a Unit or a Message looks like.
package dag

import "time"

// Protocol-wide constants (spec §6).
const (
	WitnessCount          = 12
	MajorityOfWitnesses   = 7
	MaxParentsPerUnit     = 16
	MaxAuthorsPerUnit     = 16
	MaxMessagesPerUnit    = 128
	MaxInputsPerMessage   = 128
	MaxOutputsPerMessage  = 128
	MaxUnitLength         = 5 * 1024 * 1024  // 5 MiB
	MaxMessageSize        = 10 * 1024 * 1024 // 10 MiB, wire frame cap
	MaxComplexity         = 100
	MaxOps                = 2000
	MaxAAStringLength     = 4096
	MaxStateVarNameLength = 128
	MaxStateVarValueLen   = 1024
	MaxHashInputLength    = 65536
	MaxAANesting          = 20

	StalledTimeout   = 5 * time.Second
	ResponseTimeout  = 60 * time.Second
	PurgeBatchSize   = 500
	MaxPendingHandlers = 64
)

// Sequence is the conflict-resolution state of a unit, assigned once at
// stabilization and never changed thereafter.
type Sequence string

const (
	SequenceGood     Sequence = "good"
	SequenceTempBad  Sequence = "temp-bad"
	SequenceFinalBad Sequence = "final-bad"
)

// MessageApp enumerates the typed payload kinds a Message may carry.
type MessageApp string

const (
	AppPayment            MessageApp = "payment"
	AppData               MessageApp = "data"
	AppDataFeed           MessageApp = "data_feed"
	AppAsset              MessageApp = "asset"
	AppAssetAttestors     MessageApp = "asset_attestors"
	AppAttestation        MessageApp = "attestation"
	AppProfile            MessageApp = "profile"
	AppPoll               MessageApp = "poll"
	AppVote               MessageApp = "vote"
	AppDefinition         MessageApp = "definition"
	AppText               MessageApp = "text"
	AppDefinitionTemplate MessageApp = "definition_template"
)

// PayloadLocation says where a Message's payload bytes live.
type PayloadLocation string

const (
	PayloadInline PayloadLocation = "inline"
	PayloadNone   PayloadLocation = "none"
)

// InputType enumerates the kinds of value an Input may draw from.
type InputType string

const (
	InputTransfer          InputType = "transfer"
	InputHeadersCommission InputType = "headers_commission"
	InputWitnessing        InputType = "witnessing"
	InputIssue             InputType = "issue"
)

// BaseAsset is the sentinel asset identifier for the native currency.
const BaseAsset = "base"

// AASentinel is the first element of a definition message template that
// marks it as an Autonomous Agent definition rather than an address
// definition.
const AASentinel = "autonomous agent"
