package interceptor

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/htmlutil"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/segmentio/encoding/json"
)

type MessageType string

const (
	// MessageSkipWaiting activates a waiting version right away.
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// MessageCacheChapter stores chapter content in the API cache.
	MessageCacheChapter MessageType = "CACHE_CHAPTER"
	// MessageClearCache deletes every cache.
	MessageClearCache MessageType = "CLEAR_CACHE"
	// MessageSyncProgress is sent to clients when connectivity returns.
	MessageSyncProgress MessageType = "SYNC_PROGRESS"
)

// Message is the control protocol between clients and the interceptor.
// For CACHE_CHAPTER, Content is either a chapter object as the chapter
// endpoint returns it or a JSON string of chapter HTML.
type Message struct {
	Type          MessageType     `json:"type" validate:"required"`
	BookID        string          `json:"bookId,omitempty"`
	ChapterNumber int             `json:"chapterNumber,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
}

var ErrInvalidMessage = errors.New("invalid message")

// Validate checks that an incoming message is well formed.
func (m Message) Validate() error {
	switch m.Type {
	case MessageSkipWaiting, MessageClearCache:
		return nil
	case MessageCacheChapter:
		if m.BookID == "" || m.ChapterNumber < 1 {
			return errors.Wrap(ErrInvalidMessage, "CACHE_CHAPTER needs bookId and chapterNumber")
		}
		_, err := m.chapterBody()
		return err
	case MessageSyncProgress:
		return errors.Wrap(ErrInvalidMessage, "SYNC_PROGRESS is only sent to clients")
	default:
		return errors.Wrapf(ErrInvalidMessage, "unknown type %q", m.Type)
	}
}

// ChapterPath is the API path a cached chapter is served from.
func (m Message) ChapterPath() string {
	return "/api/books/" + m.BookID + "/chapters/" + strconv.Itoa(m.ChapterNumber)
}

// chapterBody returns the chapter JSON a CACHE_CHAPTER message stores.
func (m Message) chapterBody() ([]byte, error) {
	raw := bytes.TrimSpace(m.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.Wrap(ErrInvalidMessage, "CACHE_CHAPTER needs content")
	}

	if raw[0] == '"' {
		var html string
		if err := json.Unmarshal(raw, &html); err != nil {
			return nil, errors.Wrap(ErrInvalidMessage, "content is not a valid string")
		}
		words := htmlutil.CountWords(html)
		body, err := json.Marshal(remote.Chapter{
			BookID:             m.BookID,
			ChapterNumber:      m.ChapterNumber,
			Content:            html,
			WordCount:          words,
			ReadingTimeMinutes: htmlutil.ReadingTimeMinutes(words),
		})
		return body, errors.WithStack(err)
	}

	var chapter remote.Chapter
	if err := json.Unmarshal(raw, &chapter); err != nil {
		return nil, errors.Wrap(ErrInvalidMessage, "content is not a chapter object")
	}
	if (chapter.BookID != "" && chapter.BookID != m.BookID) ||
		(chapter.ChapterNumber != 0 && chapter.ChapterNumber != m.ChapterNumber) {
		return nil, errors.Wrap(ErrInvalidMessage, "content belongs to a different chapter")
	}
	return raw, nil
}
