package dialog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ContentKind is the resolved classification of a submission.
type ContentKind string

const (
	KindNone      ContentKind = ""
	KindText      ContentKind = "text"
	KindPhoto     ContentKind = "photo"
	KindVideo     ContentKind = "video"
	KindDocument  ContentKind = "document"
	KindAnimation ContentKind = "animation"
	KindPoll      ContentKind = "poll"
)

// IsMedia reports whether k is one of the media kinds.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindPhoto, KindVideo, KindDocument, KindAnimation:
		return true
	}
	return false
}

// Spoilable reports whether Telegram can hide k under a spoiler.
func (k ContentKind) Spoilable() bool {
	return k == KindPhoto || k == KindVideo || k == KindAnimation
}

// MediaRef is an opaque file handle plus its declared kind.
type MediaRef struct {
	Handle string      `json:"handle"`
	Kind   ContentKind `json:"kind"`
}

// Author is the attribution tag picked with the radio buttons.
type Author int

const (
	AuthorNone Author = iota
	AuthorNotMine
	AuthorMine
)

// Tag returns the hashtag appended to captions.
func (a Author) Tag() string {
	switch a {
	case AuthorNotMine:
		return "#not_mine"
	case AuthorMine:
		return "#mine"
	}
	return ""
}

// KindConflictError is returned when a fragment does not fit the recorded classification.
type KindConflictError struct {
	Have ContentKind
	Got  ContentKind
}

func (e *KindConflictError) Error() string {
	return fmt.Sprintf("the message already holds a %s, a %s cannot be added", e.Have, e.Got)
}

// Form is the typed view of the submission stored in the session bag.
type Form struct {
	UserID    int64
	Username  string
	Recipient string
	ReplyTo   int

	SubmissionID string
	MessageID    int
	SourceChatID int64
	Text         []string
	Media        []MediaRef
	Kind         ContentKind
	Author       Author

	Error      string
	SentURL    string
	SentMarker string
	// ClaimedAt is the unix millisecond time SentMarker was set.
	ClaimedAt int64
}

func (f *Form) begin() {
	if f.SubmissionID == "" {
		f.SubmissionID = ulid.Make().String()
	}
}

// AppendText adds a text line. Text never conflicts with anything.
func (f *Form) AppendText(line string) {
	f.begin()
	f.Text = append(f.Text, line)
	if f.Kind == KindNone {
		f.Kind = KindText
	}
}

// AppendMedia records a media fragment. A different media kind is rejected and
// leaves the sequences untouched. After a poll the media is kept as a
// caption-equivalent without touching the classification.
func (f *Form) AppendMedia(ref MediaRef) error {
	if f.Kind.IsMedia() && f.Kind != ref.Kind {
		err := &KindConflictError{Have: f.Kind, Got: ref.Kind}
		f.Reject(err.Error())
		return err
	}
	f.begin()
	f.Media = append(f.Media, ref)
	if f.Kind != KindPoll {
		f.Kind = ref.Kind
	}
	return nil
}

// RecordPoll marks the submission as a poll living in chatID/messageID.
func (f *Form) RecordPoll(messageID int, chatID int64) error {
	if f.Kind.IsMedia() || f.Kind == KindPoll {
		err := &KindConflictError{Have: f.Kind, Got: KindPoll}
		f.Reject(err.Error())
		return err
	}
	f.begin()
	f.Kind = KindPoll
	f.MessageID = messageID
	f.SourceChatID = chatID
	return nil
}

// Reject sets the validation message only.
func (f *Form) Reject(msg string) {
	f.Error = msg
}

// Clean starts a new submission, keeping who is writing and to whom.
func (f *Form) Clean() {
	*f = Form{
		UserID:    f.UserID,
		Username:  f.Username,
		Recipient: f.Recipient,
		ReplyTo:   f.ReplyTo,
	}
}

// HasContent reports whether there is anything to send.
func (f *Form) HasContent() bool {
	if f.Kind == KindPoll {
		return f.MessageID != 0
	}
	if len(f.Media) > 0 {
		return true
	}
	for _, line := range f.Text {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}

// Caption joins the text lines.
func (f *Form) Caption() string {
	return strings.TrimSpace(strings.Join(f.Text, "\n"))
}

// Bag keys. One key per field so concurrent writers merge field by field.
const (
	keyUserID       = "user_id"
	keyUsername     = "username"
	keyRecipient    = "recipient"
	keyReplyTo      = "reply_to"
	keySubmissionID = "submission_id"
	keyMessageID    = "message_id"
	keySourceChatID = "source_chat_id"
	keyText         = "text"
	keyMedia        = "media"
	keyKind         = "kind"
	keyAuthor       = "author"
	keyError        = "error"
	keySentURL      = "sent_url"
	keySentMarker   = "sent_marker"
	keyClaimedAt    = "claimed_at"
)

// LoadForm decodes the form from a session bag. Missing keys keep zero values.
func LoadForm(bag map[string]json.RawMessage) (Form, error) {
	var f Form
	fields := []struct {
		key string
		dst any
	}{
		{keyUserID, &f.UserID},
		{keyUsername, &f.Username},
		{keyRecipient, &f.Recipient},
		{keyReplyTo, &f.ReplyTo},
		{keySubmissionID, &f.SubmissionID},
		{keyMessageID, &f.MessageID},
		{keySourceChatID, &f.SourceChatID},
		{keyText, &f.Text},
		{keyMedia, &f.Media},
		{keyKind, &f.Kind},
		{keyAuthor, &f.Author},
		{keyError, &f.Error},
		{keySentURL, &f.SentURL},
		{keySentMarker, &f.SentMarker},
		{keyClaimedAt, &f.ClaimedAt},
	}
	for _, fld := range fields {
		raw, ok := bag[fld.key]
		if !ok || len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, fld.dst); err != nil {
			return Form{}, fmt.Errorf("decode %s: %w", fld.key, err)
		}
	}
	return f, nil
}

// Patch encodes every field, so writing the patch fully replaces the form.
func (f Form) Patch() map[string]json.RawMessage {
	text := f.Text
	if text == nil {
		text = []string{}
	}
	media := f.Media
	if media == nil {
		media = []MediaRef{}
	}
	values := map[string]any{
		keyUserID:       f.UserID,
		keyUsername:     f.Username,
		keyRecipient:    f.Recipient,
		keyReplyTo:      f.ReplyTo,
		keySubmissionID: f.SubmissionID,
		keyMessageID:    f.MessageID,
		keySourceChatID: f.SourceChatID,
		keyText:         text,
		keyMedia:        media,
		keyKind:         f.Kind,
		keyAuthor:       f.Author,
		keyError:        f.Error,
		keySentURL:      f.SentURL,
		keySentMarker:   f.SentMarker,
		keyClaimedAt:    f.ClaimedAt,
	}
	return encodeBag(values)
}

// OutcomePatch encodes only the fields a dispatch decides. Content written by
// others in the meantime survives the merge.
func (f Form) OutcomePatch() map[string]json.RawMessage {
	return encodeBag(map[string]any{
		keyError:      f.Error,
		keySentURL:    f.SentURL,
		keySentMarker: f.SentMarker,
		keyClaimedAt:  f.ClaimedAt,
	})
}

// applyOutcome copies the outcome fields of o onto f.
func (f *Form) applyOutcome(o Form) {
	f.Error = o.Error
	f.SentURL = o.SentURL
	f.SentMarker = o.SentMarker
	f.ClaimedAt = o.ClaimedAt
}

func encodeBag(values map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		// all values are plain data; Marshal cannot fail
		raw, _ := json.Marshal(v)
		out[k] = raw
	}
	return out
}
