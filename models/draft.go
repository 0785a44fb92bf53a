package models

// Draft is a logical outbound message. It only lives while being compiled
// into a wire buffer for sending or appending.
type Draft struct {
	From        string
	FromName    string
	To          []string
	Subject     string
	Text        string
	HTML        string
	InReplyTo   string
	References  []string
	Attachments []OutboundAttachment
}

// OutboundAttachment is a file attached to a draft
type OutboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
}
