package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dex-liquidity-bot/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type updateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alerts.Update, error)
	Send(ctx context.Context, message string) error
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	tg := a.cfg.Telegram
	if !tg.OperatorEnabled || a.operator == nil {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(tg.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	allowedUsers := make(map[int64]struct{}, len(tg.OperatorAllowedUserIDs))
	for _, id := range tg.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, tg.OperatorPollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	offset := a.loadOperatorOffset(ctx)
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.operator.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if !warned && ctx.Err() == nil {
				a.log.Warn("telegram operator failed", zap.Error(err))
				warned = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if warned {
			a.log.Info("telegram operator recovered")
			warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	resp := a.handleOperatorCommand(ctx, cmd, operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	})
	if err := a.operator.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// "/status@my_bot" in group chats
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd, true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause", "resume":
		want := cmd == "pause"
		before := a.paused.Swap(want)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       cmd,
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  want,
		})
		a.log.Info("operator command", zap.String("action", cmd), zap.String("user", meta.Username), zap.Bool("paused_before", before))
		switch {
		case want && before:
			return "ticks already paused"
		case want:
			return "ticks paused"
		case before:
			return "ticks resumed"
		default:
			return "ticks already running"
		}
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus() string {
	lines := []string{fmt.Sprintf("paused: %t", a.paused.Load())}
	for _, st := range a.Statuses() {
		line := fmt.Sprintf("%s [%s] %s blocks=%d orders=%d", st.Name, st.Kind, st.State, st.BlockCount, st.KnownOrders)
		if !st.LastWork.IsZero() {
			line += " last_work=" + st.LastWork.UTC().Format(time.RFC3339)
		}
		if st.LastError != "" {
			line += " error=" + st.LastError
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - strategy instance states",
		"/pause - stop ticking every instance",
		"/resume - resume ticking",
	}, "\n")
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
