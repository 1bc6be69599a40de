package alerts

import (
	"fmt"
	"sync"

	"agrosync/internal/config"
	"agrosync/internal/events"
	"agrosync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender delivers one alert message.
type Sender interface {
	Send(text string) error
}

// TelegramSender posts alerts to a fixed chat.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSender(cfg config.AlertsConfig) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: cfg.TelegramChat}, nil
}

func (s *TelegramSender) Send(text string) error {
	msg := tgbotapi.NewMessage(s.chatID, text)
	_, err := s.bot.Send(msg)
	return err
}

// QueueView is the slice of the coordinator surface the notifier reads.
type QueueView interface {
	Snapshot() []models.SyncOperation
	MaxRetries() int
}

// Notifier watches the queue through the notification hub and sends one
// alert per operation that exhausts its retry budget. It carries no state
// beyond the set of ids already reported: observers re-read the queue, they
// are not handed payloads.
type Notifier struct {
	view   QueueView
	sender Sender
	logger zerolog.Logger

	mu       sync.Mutex
	reported map[string]bool
}

func NewNotifier(view QueueView, sender Sender, logger *zerolog.Logger) *Notifier {
	return &Notifier{
		view:     view,
		sender:   sender,
		logger:   logger.With().Str("component", "alerts").Logger(),
		reported: make(map[string]bool),
	}
}

// Attach subscribes the notifier to the hub and returns the unsubscribe
// function.
func (n *Notifier) Attach(hub *events.Hub) func() {
	return hub.Subscribe(n.check)
}

func (n *Notifier) check() {
	maxRetries := n.view.MaxRetries()

	var fresh []models.SyncOperation
	n.mu.Lock()
	live := make(map[string]bool)
	for _, op := range n.view.Snapshot() {
		if !op.IsDead(maxRetries) {
			continue
		}
		live[op.ID] = true
		if !n.reported[op.ID] {
			n.reported[op.ID] = true
			fresh = append(fresh, op)
		}
	}
	// Forget cleared operations so re-enqueued work can alert again.
	for id := range n.reported {
		if !live[id] {
			delete(n.reported, id)
		}
	}
	n.mu.Unlock()

	for _, op := range fresh {
		// Hub listeners fire synchronously inside the commit path; do not
		// block it on network I/O.
		go n.alert(op)
	}
}

func (n *Notifier) alert(op models.SyncOperation) {
	text := fmt.Sprintf(
		"Sync operation gave up after %d attempts\n%s %s\nid: %s\nlast error: %s",
		op.RetryCount, op.Type, op.Collection, op.ID, op.LastError,
	)
	if err := n.sender.Send(text); err != nil {
		n.logger.Error().Err(err).Str("op_id", op.ID).Msg("dead-operation alert failed")
		return
	}
	n.logger.Info().Str("op_id", op.ID).Msg("dead-operation alert sent")
}
