package wire

// MessageType discriminates the payload carried by an Envelope.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeAuth
	TypeAuthResponse
	TypePublish
	TypePublishAck
	TypeSubscribe
	TypeSubscribeOK
	TypeUnsubscribe
	TypeSample
	TypeReadRange
	TypeReadRangeResponse
	TypeReadLatest
	TypeReadLatestResponse
	TypeCreateFeed
	TypeDeleteFeed
	TypeGrant
	TypeRevoke
	TypeOK
	TypeError
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case TypeAuth:
		return "auth"
	case TypeAuthResponse:
		return "auth_response"
	case TypePublish:
		return "publish"
	case TypePublishAck:
		return "publish_ack"
	case TypeSubscribe:
		return "subscribe"
	case TypeSubscribeOK:
		return "subscribe_ok"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeSample:
		return "sample"
	case TypeReadRange:
		return "read_range"
	case TypeReadRangeResponse:
		return "read_range_response"
	case TypeReadLatest:
		return "read_latest"
	case TypeReadLatestResponse:
		return "read_latest_response"
	case TypeCreateFeed:
		return "create_feed"
	case TypeDeleteFeed:
		return "delete_feed"
	case TypeGrant:
		return "grant"
	case TypeRevoke:
		return "revoke"
	case TypeOK:
		return "ok"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is the unit of transmission on the wire. Id correlates a
// response with its request; unsolicited messages (live samples) carry
// Id 0. Exactly one payload pointer is set, selected by Type.
type Envelope struct {
	Id   uint64      `cbor:"1,keyasint"`
	Type MessageType `cbor:"2,keyasint"`

	Auth        *Auth               `cbor:"3,keyasint,omitempty"`
	AuthResp    *AuthResponse       `cbor:"4,keyasint,omitempty"`
	Publish     *Publish            `cbor:"5,keyasint,omitempty"`
	PublishAck  *PublishAck         `cbor:"6,keyasint,omitempty"`
	Subscribe   *Subscribe          `cbor:"7,keyasint,omitempty"`
	SubOK       *SubscribeOK        `cbor:"8,keyasint,omitempty"`
	Unsubscribe *Unsubscribe        `cbor:"9,keyasint,omitempty"`
	Sample      *Sample             `cbor:"10,keyasint,omitempty"`
	ReadRange   *ReadRange          `cbor:"11,keyasint,omitempty"`
	RangeResp   *ReadRangeResponse  `cbor:"12,keyasint,omitempty"`
	ReadLatest  *ReadLatest         `cbor:"13,keyasint,omitempty"`
	LatestResp  *ReadLatestResponse `cbor:"14,keyasint,omitempty"`
	CreateFeed  *CreateFeed         `cbor:"15,keyasint,omitempty"`
	DeleteFeed  *DeleteFeed         `cbor:"16,keyasint,omitempty"`
	Grant       *Grant              `cbor:"17,keyasint,omitempty"`
	Revoke      *Revoke             `cbor:"18,keyasint,omitempty"`
	Error       *Error              `cbor:"19,keyasint,omitempty"`
}

// Auth is the first message on every connection.
type Auth struct {
	Token string `cbor:"1,keyasint"`
}

// AuthResponse reports the outcome of authentication.
type AuthResponse struct {
	OK        bool   `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	Message   string `cbor:"3,keyasint,omitempty"`
}

// Publish carries one sample from a publisher. The publisher identity
// is taken from the authenticated session, never from the message.
// SeqHint, when HasSeqHint is set, is the producer-assigned sequence
// used as the idempotency tie-break on redelivery; otherwise the router
// assigns the next per-feed sequence at acceptance.
type Publish struct {
	FeedID      string `cbor:"1,keyasint"`
	TimestampMs int64  `cbor:"2,keyasint"`
	SeqHint     uint32 `cbor:"3,keyasint,omitempty"`
	HasSeqHint  bool   `cbor:"4,keyasint,omitempty"`
	ValueType   uint8  `cbor:"5,keyasint"`
	Payload     []byte `cbor:"6,keyasint"`
}

// PublishAck confirms acceptance of a publish with the assigned sequence.
type PublishAck struct {
	FeedID      string `cbor:"1,keyasint"`
	TimestampMs int64  `cbor:"2,keyasint"`
	Seq         uint32 `cbor:"3,keyasint"`
	Late        bool   `cbor:"4,keyasint,omitempty"`
}

// Subscribe requests a live subscription with backlog from FromMs.
type Subscribe struct {
	FeedID string `cbor:"1,keyasint"`
	FromMs int64  `cbor:"2,keyasint"`
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	SubscriptionID string `cbor:"1,keyasint"`
}

// Unsubscribe closes a subscription.
type Unsubscribe struct {
	SubscriptionID string `cbor:"1,keyasint"`
}

// Sample is a stored sample delivered to a subscriber or returned from
// a read.
type Sample struct {
	FeedID      string `cbor:"1,keyasint"`
	TimestampMs int64  `cbor:"2,keyasint"`
	Seq         uint32 `cbor:"3,keyasint"`
	ValueType   uint8  `cbor:"4,keyasint"`
	Payload     []byte `cbor:"5,keyasint"`
	Late        bool   `cbor:"6,keyasint,omitempty"`
}

// ReadRange requests stored samples in [FromMs, ToMs].
type ReadRange struct {
	FeedID string `cbor:"1,keyasint"`
	FromMs int64  `cbor:"2,keyasint"`
	ToMs   int64  `cbor:"3,keyasint"`
	Limit  int    `cbor:"4,keyasint,omitempty"`
}

// ReadRangeResponse carries range results. Partial is set when durable
// storage could not be reached and only the cached portion is included;
// ErrorCode then holds the retryable code.
type ReadRangeResponse struct {
	Samples   []Sample `cbor:"1,keyasint,omitempty"`
	Partial   bool     `cbor:"2,keyasint,omitempty"`
	ErrorCode int32    `cbor:"3,keyasint,omitempty"`
}

// ReadLatest requests the highest-ordered sample of a feed.
type ReadLatest struct {
	FeedID string `cbor:"1,keyasint"`
}

// ReadLatestResponse carries the latest sample, or none.
type ReadLatestResponse struct {
	Sample *Sample `cbor:"1,keyasint,omitempty"`
}

// CreateFeed registers a feed under an experiment.
type CreateFeed struct {
	ExperimentID string `cbor:"1,keyasint"`
	FeedID       string `cbor:"2,keyasint"`
	ValueType    uint8  `cbor:"3,keyasint"`
	RetentionMs  int64  `cbor:"4,keyasint,omitempty"`
}

// DeleteFeed removes a feed and closes its subscriptions.
type DeleteFeed struct {
	FeedID string `cbor:"1,keyasint"`
}

// Grant adds a permission grant.
type Grant struct {
	User       string `cbor:"1,keyasint"`
	Pattern    string `cbor:"2,keyasint"`
	Capability string `cbor:"3,keyasint"`
}

// Revoke removes a permission grant.
type Revoke struct {
	User       string `cbor:"1,keyasint"`
	Pattern    string `cbor:"2,keyasint"`
	Capability string `cbor:"3,keyasint"`
}

// Error reports a failed operation.
type Error struct {
	Code    int32  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}
