// Package telegram provides a client for sending operator notifications via
// the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hollowaydev/promopilot/internal/models"
	"github.com/hollowaydev/promopilot/internal/orchestrator"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// handles bot commands. It returns immediately; the goroutine stops when ctx
// is cancelled. The status callback backs the /status command.
func (c *Client) ListenForCommands(ctx context.Context, status func() orchestrator.StatusSnapshot) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status func() orchestrator.StatusSnapshot) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	case "status":
		s := status()
		text := fmt.Sprintf(
			"Window %s: %d/%d actions used\nLive campaigns: %d (%d anomalous)\nLast cycle: %s at %s",
			s.WindowID, s.ActionsToday, s.ActionsToday+s.ActionsRemaining,
			s.ActiveCampaigns, s.AnomalousCampaigns,
			s.LastCycleStatus, s.LastCycleAt.Format("15:04:05"),
		)
		reply := tgbotapi.NewMessage(msg.Chat.ID, text)
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a cycle error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Promotion cycle error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Promotion cycles recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendAnomalyAlert notifies the operator that a live campaign was paused on
// an engagement collapse.
func (c *Client) SendAnomalyAlert(campaign models.Campaign) error {
	return c.sendMarkdownV2(c.formatAnomaly(campaign))
}

// SendCapReached notifies the operator that the daily action budget ran out
// mid-pass.
func (c *Client) SendCapReached(w models.RateWindow) error {
	text := fmt.Sprintf("⏸️ *Daily action budget exhausted*\nWindow %s: %d of %d actions used",
		escapeMarkdownV2(w.WindowID), w.ActionsTaken, w.ActionsLimit)
	return c.sendMarkdownV2(text)
}

// formatAnomaly formats a paused campaign into a Telegram MarkdownV2 message.
func (c *Client) formatAnomaly(campaign models.Campaign) string {
	message := "🚨 *Campaign paused: engagement collapse*\n\n"
	message += fmt.Sprintf("🎯 Campaign `%s`\n", escapeMarkdownV2(campaign.ID))
	message += fmt.Sprintf("📄 Candidate `%s`\n", escapeMarkdownV2(campaign.CandidateID))

	spentStr := escapeMarkdownV2(fmt.Sprintf("%.2f", campaign.Spend))
	budgetStr := escapeMarkdownV2(fmt.Sprintf("%.2f", campaign.Budget))
	message += fmt.Sprintf("💸 Spend %s of %s\n", spentStr, budgetStr)

	rateStr := escapeMarkdownV2(fmt.Sprintf("%.4f", campaignEngagementRate(campaign)))
	message += fmt.Sprintf("📉 Engagement rate %s over %d views\n", rateStr, campaign.Views)

	if len(campaign.AnomalyFlags) > 0 {
		last := campaign.AnomalyFlags[len(campaign.AnomalyFlags)-1]
		dateStr := escapeMarkdownV2(last.Format("2006-01-02 15:04:05"))
		message += fmt.Sprintf("📅 Flagged: %s\n", dateStr)
	}
	message += "\nReply with a reset before the next cycle to keep the campaign\\."
	return message
}

func campaignEngagementRate(c models.Campaign) float64 {
	views := c.Views
	if views < 1 {
		views = 1
	}
	return float64(c.Likes+c.Comments) / float64(views)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
