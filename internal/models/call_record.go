package models

import "time"

// CallRecord correlates a telephony-provider call id with a queue
// entry. Written by the calling collaborator, read-mostly here.
type CallRecord struct {
	ID             string    `json:"id"`
	CallID         string    `json:"callId"`
	QueueEntryID   string    `json:"queueEntryId"`
	ProviderStatus string    `json:"providerStatus"`
	Connected      bool      `json:"connected"`
	CreatedAt      time.Time `json:"createdAt"`
}
