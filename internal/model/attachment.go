// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
)

// Attachment is the metadata of an uploaded file. The bytes live in the blob
// store under Digest.
type Attachment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the reference stored on messages.
func (a *Attachment) Ref() AttachmentRef {
	return AttachmentRef{ID: a.ID, Name: a.Name, MediaType: a.MediaType}
}

// IsImage reports whether the attachment is an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

// IsText reports whether the attachment can be inlined as text.
func (a *Attachment) IsText() bool {
	return IsTextMediaType(a.MediaType)
}

// AttachmentRef is the compact form of an attachment embedded in a message.
type AttachmentRef struct {
	ID        string `json:"id" cbor:"1,keyasint"`
	Name      string `json:"name" cbor:"2,keyasint"`
	MediaType string `json:"media_type" cbor:"3,keyasint"`
}

// IsTextMediaType reports whether mediaType is a textual format.
func IsTextMediaType(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0]))
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml",
		"application/toml", "application/javascript", "application/x-sh":
		return true
	}
	return false
}
