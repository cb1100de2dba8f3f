// Package messaging stores encrypted direct messages grouped into
// deterministic conversations.
//
// Payloads are sealed with XChaCha20-Poly1305. The symmetric key is derived
// from the conversation id, which both participants can compute; real key
// agreement needs a transport and stays out of scope, so possession of the
// conversation id is the current read capability.
package messaging

import (
	"crypto/rand"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/store"
)

const (
	messagesPrefix = "messages"

	// Algorithm tag recorded on every message.
	algorithmTag = "xchacha20poly1305"

	keyContext = "joymesh messaging v1"
)

// Message is one persisted direct message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	Algorithm      string    `json:"algorithm"`
	Signature      []byte    `json:"signature"`
	ListingID      string    `json:"listing_id,omitempty"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is a derived aggregate, computed on read and never persisted.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	MessageCount  int       `json:"message_count"`
}

// ConversationID derives the symmetric conversation id for two DIDs. The
// result is identical regardless of who initiates.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

func conversationKey(conversationID string) []byte {
	key := make([]byte, 32)
	blake3.DeriveKey(key, keyContext, []byte(conversationID))
	return key
}

// Service owns message persistence and sealing.
type Service struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a messaging service over the given store.
func NewService(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "messaging")
	return s
}

// SendOption attaches optional linkage to a message.
type SendOption func(*Message)

// WithListing links the message to a listing.
func WithListing(listingID string) SendOption {
	return func(m *Message) { m.ListingID = listingID }
}

// WithTransaction links the message to a transaction.
func WithTransaction(txID string) SendOption {
	return func(m *Message) { m.TransactionID = txID }
}

// Send seals and persists one message from sender to recipient. The sender
// signs the ciphertext. Delivered and read stay false; no write path flips
// them except MarkRead.
func (s *Service) Send(recipientDID, content string, sender *identity.Identity, priv libp2pcrypto.PrivKey, opts ...SendOption) (*Message, error) {
	if recipientDID == "" {
		return nil, errs.Validation("recipient did is required")
	}
	if sender == nil {
		return nil, errs.Validation("sender identity is required")
	}
	if priv == nil {
		return nil, errs.Validation("sender key is required")
	}

	convID := ConversationID(sender.DID, recipientDID)

	aead, err := chacha20poly1305.NewX(conversationKey(convID))
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "init message cipher", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.CodeIO, "generate message nonce", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(content), []byte(convID))

	sig, err := crypto.Sign(ciphertext, priv)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Sender:         sender.DID,
		Recipient:      recipientDID,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Algorithm:      algorithmTag,
		Signature:      sig,
		CreatedAt:      s.clock.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := s.store.Write(messagesPrefix+"/"+m.ID, m); err != nil {
		return nil, err
	}
	s.logger.Debug("message sent", "conversation", convID, "message", m.ID)
	return m, nil
}

// Decrypt opens a message's payload.
func (s *Service) Decrypt(m *Message) (string, error) {
	if m == nil {
		return "", errs.Validation("message is required")
	}
	if m.Algorithm != algorithmTag {
		return "", errs.Validation("unsupported message algorithm: " + m.Algorithm)
	}
	aead, err := chacha20poly1305.NewX(conversationKey(m.ConversationID))
	if err != nil {
		return "", errs.Wrap(errs.CodeIO, "init message cipher", err)
	}
	plaintext, err := aead.Open(nil, m.Nonce, m.Ciphertext, []byte(m.ConversationID))
	if err != nil {
		return "", errs.Wrap(errs.CodeSignatureInvalid, "message payload does not authenticate", err)
	}
	return string(plaintext), nil
}

// VerifyMessage checks the sender's signature over the ciphertext.
func VerifyMessage(m *Message, encodedSenderPub string) bool {
	if m == nil {
		return false
	}
	return crypto.VerifyEncoded(m.Ciphertext, m.Signature, encodedSenderPub)
}

func (s *Service) loadAll() ([]*Message, error) {
	ids, err := s.store.List(messagesPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		var m Message
		if err := s.store.Read(messagesPrefix+"/"+id, &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

// Conversations scans all messages and aggregates the conversations the DID
// participates in, most recent first. Unread counts cover messages addressed
// to the DID that have not been marked read.
func (s *Service) Conversations(did string) ([]*Conversation, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Conversation)
	for _, m := range all {
		if m.Sender != did && m.Recipient != did {
			continue
		}
		c, ok := byID[m.ConversationID]
		if !ok {
			// DIDs contain colons, so the id cannot be split back into
			// participants; take them from the message itself.
			pair := []string{m.Sender, m.Recipient}
			sort.Strings(pair)
			c = &Conversation{
				ID:           m.ConversationID,
				Participants: pair,
			}
			byID[m.ConversationID] = c
		}
		c.MessageCount++
		if m.CreatedAt.After(c.LastMessageAt) {
			c.LastMessageAt = m.CreatedAt
		}
		if m.Recipient == did && !m.Read {
			c.UnreadCount++
		}
	}

	out := make([]*Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

// Messages returns a conversation's messages in send order.
func (s *Service) Messages(conversationID string) ([]*Message, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(all))
	for _, m := range all {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkRead flips the read flag on a message addressed to the reader. It is
// the only write path that touches delivered/read state.
func (s *Service) MarkRead(messageID, readerDID string) (*Message, error) {
	var m Message
	if err := s.store.Read(messagesPrefix+"/"+messageID, &m); err != nil {
		return nil, err
	}
	if m.Recipient != readerDID {
		return nil, errs.Validation("only the recipient can mark a message read")
	}
	if m.Read {
		return &m, nil
	}
	m.Read = true
	if err := s.store.Write(messagesPrefix+"/"+messageID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
