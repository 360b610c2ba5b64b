package models

import "time"

type NotificationCategory string

const (
	CategoryTransactionStatus NotificationCategory = "TRANSACTION_STATUS"
	CategoryAccountRequest    NotificationCategory = "ACCOUNT_REQUEST"
	CategoryProfileUpdate     NotificationCategory = "PROFILE_UPDATE"
)

// Notification is an outbound message to a user about one of their requests.
type Notification struct {
	ID        string               `json:"id" bson:"_id"`
	UserID    string               `json:"user_id" bson:"user_id"`
	Category  NotificationCategory `json:"category" bson:"category"`
	Title     string               `json:"title" bson:"title"`
	Message   string               `json:"message" bson:"message"`
	RelatedID string               `json:"related_id,omitempty" bson:"related_id,omitempty"`
	CreatedAt time.Time            `json:"created_at" bson:"created_at"`
}
