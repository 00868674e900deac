package notification

import "time"

type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

type Category string

const (
	CategoryAppointment  Category = "appointment"
	CategoryPrescription Category = "prescription"
	CategorySystem       Category = "system"
	CategoryEmergency    Category = "emergency"
	CategoryReminder     Category = "reminder"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is the notification lifecycle. It only advances forward:
// pending -> sent -> delivered|read, or pending/sent -> failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

type RecipientKind string

const (
	RecipientUser    RecipientKind = "user"
	RecipientPatient RecipientKind = "patient"
	RecipientDoctor  RecipientKind = "doctor"
	RecipientStaff   RecipientKind = "staff"
)

type Notification struct {
	ID            string        `json:"id"`
	RecipientID   string        `json:"recipient_user_id"`
	RecipientKind RecipientKind `json:"recipient_type"`
	Title         string        `json:"title"`
	Body          string        `json:"message"`
	Category      Category      `json:"type"`
	Priority      Priority      `json:"priority"`
	Channels      []Channel     `json:"channels"`
	Status        Status        `json:"status"`
	RelatedType   string        `json:"related_entity_type,omitempty"`
	RelatedID     string        `json:"related_entity_id,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	ReadAt        *time.Time    `json:"read_at,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

// DeliveryLog records one attempt of one channel for one notification.
// Rows are write-once: a row in a terminal status is never mutated.
type DeliveryLog struct {
	ID               int64          `json:"id"`
	NotificationID   string         `json:"notification_id"`
	Channel          Channel        `json:"channel"`
	Status           DeliveryStatus `json:"status"`
	Provider         string         `json:"provider,omitempty"`
	ProviderResponse string         `json:"provider_response,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

func ValidChannel(c Channel) bool {
	switch c {
	case ChannelWeb, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func ValidCategory(c Category) bool {
	switch c {
	case CategoryAppointment, CategoryPrescription, CategorySystem, CategoryEmergency, CategoryReminder:
		return true
	}
	return false
}
