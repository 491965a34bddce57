package models

import (
	"database/sql"
	"time"
)

// OrderState is the lifecycle position of an Order. Values are persisted as
// integers, so the numbering must never change.
type OrderState int

const (
	StatePaid               OrderState = 0
	StateInitiated          OrderState = 1
	StateIntroSent          OrderState = 2
	StateOfferInterested    OrderState = 3
	StateOfferNotInterested OrderState = 4
)

// Valid reports whether s is one of the declared states.
func (s OrderState) Valid() bool {
	switch s {
	case StatePaid, StateInitiated, StateIntroSent, StateOfferInterested, StateOfferNotInterested:
		return true
	}
	return false
}

// Terminal reports whether no further flow may move the order forward.
func (s OrderState) Terminal() bool {
	return s == StatePaid
}

func (s OrderState) String() string {
	switch s {
	case StatePaid:
		return "paid"
	case StateInitiated:
		return "initiated"
	case StateIntroSent:
		return "intro_sent"
	case StateOfferInterested:
		return "offer_interested"
	case StateOfferNotInterested:
		return "offer_not_interested"
	default:
		return "unknown"
	}
}

// FlowName identifies one of the asynchronous outbound scripts.
type FlowName string

const (
	FlowSendIntro        FlowName = "send_intro"
	FlowSendOffer        FlowName = "send_offer"
	FlowRespondToMessage FlowName = "respond_to_message"
)

// Valid reports whether f names a known flow.
func (f FlowName) Valid() bool {
	switch f {
	case FlowSendIntro, FlowSendOffer, FlowRespondToMessage:
		return true
	}
	return false
}

// Direction of a Message relative to the business number.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// MessageKind is the content type of a stored Message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
)

// Attribution holds the campaign data captured with a lead. It is written once
// when the order is created.
type Attribution struct {
	GCLID      string `db:"gclid" json:"gclid"`
	LandingURL string `db:"landing_url" json:"url"`
	CampaignID string `db:"campaign_id" json:"campaignid"`
	AdGroupID  string `db:"ad_group_id" json:"adgroupid"`
	Creative   string `db:"creative" json:"creative"`
	MatchType  string `db:"match_type" json:"matchtype"`
	Device     string `db:"device" json:"device"`
	Placement  string `db:"placement" json:"placement"`
	VideoID    string `db:"video_id" json:"video_id"`
}

// Order is one sales conversation or lead.
type Order struct {
	ID                int64           `db:"id" json:"id"`
	ProductID         int64           `db:"product_id" json:"product_id"`
	State             OrderState      `db:"state" json:"state"`
	ContactPhone      sql.NullString  `db:"contact_phone" json:"-"`
	ContactName       sql.NullString  `db:"contact_name" json:"-"`
	PhoneNumberID     sql.NullString  `db:"phone_number_id" json:"-"`
	SuggestedGreeting string          `db:"suggested_greeting" json:"suggested_greeting"`
	SuggestedEmoji    string          `db:"suggested_emoji" json:"suggested_emoji"`
	PaymentAmount     sql.NullFloat64 `db:"payment_amount" json:"-"`
	ProofPath         sql.NullString  `db:"proof_path" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
	Attribution
}

// Linked reports whether the order is tied to a WhatsApp contact.
func (o *Order) Linked() bool {
	return o != nil && o.ContactPhone.Valid && o.ContactPhone.String != ""
}

// Message is one inbound or outbound WhatsApp message of an Order.
type Message struct {
	MessageID      string      `db:"message_id" json:"message_id"`
	OrderID        int64       `db:"order_id" json:"order_id"`
	SequenceNumber int64       `db:"sequence_number" json:"sequence_number"`
	Direction      Direction   `db:"direction" json:"direction"`
	Kind           MessageKind `db:"kind" json:"kind"`
	Payload        string      `db:"payload" json:"payload"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// InboundMessage is the part of a webhook delivery the engine works with.
type InboundMessage struct {
	MessageID     string    `json:"message_id"`
	From          string    `json:"from"`
	Name          string    `json:"name"`
	Text          string    `json:"text"`
	PhoneNumberID string    `json:"phone_number_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeadLetter is a flow invocation that exhausted its attempts.
type DeadLetter struct {
	ID           int64        `db:"id" json:"id"`
	InvocationID string       `db:"invocation_id" json:"invocation_id"`
	Flow         FlowName     `db:"flow" json:"flow"`
	OrderID      int64        `db:"order_id" json:"order_id"`
	Task         string       `db:"task" json:"task"`
	Error        string       `db:"error" json:"error"`
	Attempts     int          `db:"attempts" json:"attempts"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	ReplayedAt   sql.NullTime `db:"replayed_at" json:"-"`
}
