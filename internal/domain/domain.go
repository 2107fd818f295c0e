// Package domain holds the data model shared across the SIP/WebRTC bridging
// engine and the Guardian supervisor: the durable rows read from
// the database, and the in-memory session records layered on top of them.
package domain

import "time"

// OriginChannel identifies which leg a Conversation entered through.
type OriginChannel string

const (
	OriginSIP    OriginChannel = "sip"
	OriginWebRTC OriginChannel = "webrtc"
)

// ConversationStatus is the terminal/active status of a Conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// MessageRole is the role ∈ {system, user, assistant, tool} of a Message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ExtensionStatus is the SipExtension registration lifecycle.
type ExtensionStatus string

const (
	ExtensionRegistered ExtensionStatus = "REGISTERED"
	ExtensionFailed     ExtensionStatus = "FAILED"
	ExtensionOffline    ExtensionStatus = "OFFLINE"
)

// RiskLevel orders LOW < MEDIUM < HIGH < CRITICAL for the Guardian's
// maxRiskLevel monotonicity invariant.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ProviderSpec is a provider name plus its opaque options map, used for the
// STT/LLM/TTS sub-configs embedded in AgentConfig.
type ProviderSpec struct {
	Provider string         `json:"provider"`
	Options  map[string]any `json:"options"`
}

// AgentConfig defines one AI persona: provider choices, system instructions,
// and declared outbound webhooks. Created externally (admin surface);
// referenced, never owned, by every session.
type AgentConfig struct {
	ID                 string
	Name               string
	STT                ProviderSpec
	LLM                ProviderSpec
	TTS                ProviderSpec
	SystemInstructions string
	Webhooks           []WebhookDefinition
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SipExtension is one softphone delegating to an AgentConfig.
type SipExtension struct {
	ID             string
	AgentConfigID  string
	Registrar      string
	Username       string
	Password       string
	Port           int
	Transport      string
	DisplayName    string
	Realm          string
	OutboundProxy  string
	GreetingText   string
	Status         ExtensionStatus
	LastError      string
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}

// Conversation is one call or room occupancy from entry to media end.
type Conversation struct {
	ID            string
	AgentConfigID string
	Origin        OriginChannel
	StartedAt     time.Time
	EndedAt       *time.Time
	Status        ConversationStatus
	Metadata      map[string]any
}

// Message is one append-only turn entry.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	CreatedAt      time.Time
}

// KnowledgeChunk is one retrievable slice of an agent's document corpus.
type KnowledgeChunk struct {
	ID            string
	AgentConfigID string
	Filename      string
	ChunkIndex    int
	Content       string
	Embedding     []float32
	Status        string
}

// WebhookDefinition is one configured outbound tool call target.
type WebhookDefinition struct {
	ID            string
	AgentConfigID string
	Name          string
	URL           string
	Method        string
	Headers       map[string]string
	Secret        string
	Timeout       time.Duration
	RetryCount    int
	IsActive      bool
}

// VoiceProfile is a voice-cloning reference-audio locator.
type VoiceProfile struct {
	ID                string
	ReferenceAudioURL string
}

// AgentLesson is one approved behavioral adjustment fed to the adaptive
// memory loader.
type AgentLesson struct {
	ID                 string
	AgentConfigID      string
	ImprovedInstruction string
	Status             string
	CreatedAt          time.Time
}

// GuardianConfig is the per-agent keyword and threshold configuration read
// by the Supervisor at session start.
type GuardianConfig struct {
	AgentConfigID         string
	CriticalKeywords      []string
	HighRiskKeywords      []string
	MediumRiskKeywords    []string
	AutoHandoffThreshold  float64
	Enabled               bool
}

// SipCallLog is one row of the call-log table, opened on incoming_call and
// closed on call end.
type SipCallLog struct {
	ID           string
	SipDeviceID  string
	CallID       string
	Direction    string
	RemoteURI    string
	RemoteName   string
	LiveKitRoom  string
	Status       string
	StartedAt    time.Time
	AnsweredAt   *time.Time
	EndedAt      *time.Time
	DurationSecs int
}
