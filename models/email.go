package models

import "time"

// Message is the canonical record returned to the frontend for a fetched mail.
// It is built once from the raw fetch and never mutated afterwards; state
// changes happen on the server and show up on the next fetch.
type Message struct {
	UID         uint32       `json:"id"`
	Sender      string       `json:"sender"`
	SenderEmail string       `json:"senderEmail"`
	To          string       `json:"to"`
	ToEmail     string       `json:"toEmail"`
	Subject     string       `json:"subject"`
	Preview     string       `json:"preview"`
	Body        string       `json:"body"`
	Date        time.Time    `json:"date"`
	Unread      bool         `json:"unread"`
	Flagged     bool         `json:"flagged"`
	Important   bool         `json:"important"`
	Attachments []Attachment `json:"attachments"`
	Folder      string       `json:"folder"`
}

// Attachment represents an email attachment
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId,omitempty"`
	Size        int    `json:"size"`
	Content     []byte `json:"-"` // Excluded from JSON
}

// InboxPage is the result of an inbox fetch
type InboxPage struct {
	UserName string    `json:"userName"`
	Messages []Message `json:"messages"`
}

// FolderPage is the result of a folder fetch
type FolderPage struct {
	Folder   string    `json:"folder"`
	Messages []Message `json:"messages"`
}
