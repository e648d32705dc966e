package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine"
)

const (
	defaultNotifierInterval = 2 * time.Second
	defaultNotifierTimeout  = 5 * time.Second
	defaultNotifierBatch    = 100
)

// notifier forwards stored notification rows to configured webhooks. Delivery
// is best effort and strictly after the notification row committed; a dead
// endpoint holds back its own cursor, not the notification table.
type notifier struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	log      logrus.FieldLogger
	mu       sync.Mutex
	cursors  map[int]int64
}

func startNotifier(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	n := &notifier{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultNotifierTimeout},
		log:      e.Log,
		cursors:  make(map[int]int64),
	}
	if n.log == nil {
		n.log = logrus.StandardLogger()
	}
	go n.run()
}

func (n *notifier) run() {
	ticker := time.NewTicker(defaultNotifierInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll()
		<-ticker.C
	}
}

func (n *notifier) dispatchAll() {
	for i, hook := range n.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatch(i, hook)
	}
}

func (n *notifier) dispatch(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	items, err := n.engine.Repo.NotificationsAfter(ctx, defaultNotifierBatch, cursor)
	if err != nil {
		n.log.WithError(err).Error("notifier: fetch notifications failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, item := range items {
		if !filter.match("notification") {
			n.setCursor(idx, item.RowID)
			continue
		}
		if err := n.post(ctx, hook, item.Notification); err != nil {
			n.log.WithError(err).WithField("url", hook.URL).Warn("notifier: delivery failed")
			return
		}
		n.setCursor(idx, item.RowID)
	}
}

func (n *notifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestNotificationRowID(context.Background())
	if err != nil {
		n.log.WithError(err).Error("notifier: init cursor failed")
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notificationPayload struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	TaskID      string `json:"task_id,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at"`
}

func (n *notifier) post(ctx context.Context, hook config.WebhookConfig, item domain.Notification) error {
	body := notificationPayload{
		ID:          item.ID,
		WorkspaceID: item.WorkspaceID,
		UserID:      item.UserID,
		TaskID:      item.TaskID,
		RuleID:      item.RuleID,
		Message:     item.Message,
		CreatedAt:   item.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifierTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowline-Event", "notification")
	req.Header.Set("X-Flowline-Delivery", item.ID)
	req.Header.Set("X-Flowline-Workspace", item.WorkspaceID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Flowline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
