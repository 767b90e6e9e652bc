package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"claim_engine/internal/logbus"
	"claim_engine/internal/model"
	"claim_engine/internal/store/sqlite"
)

// EmailNotifier batches claim outcomes and mails a summary once the stream
// goes idle, so a burst of claims produces one email instead of ten. SMTP
// settings are read from the store at send time, so operators can change
// them without a restart.
type EmailNotifier struct {
	store *sqlite.Store
	bus   *logbus.Bus

	mu     sync.Mutex
	queue  chan model.OutcomeEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(store *sqlite.Store, bus *logbus.Bus) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		store:         store,
		bus:           bus,
		queue:         make(chan model.OutcomeEvent, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: 20 * time.Second,
		maxBatch:      80,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOutcome enqueues the event for the batching loop. Auth escalations
// are delivered over Telegram, not email.
func (n *EmailNotifier) HandleOutcome(_ context.Context, ev model.OutcomeEvent) {
	if ev.Status == model.OutcomeAuthStuck {
		return
	}
	select {
	case n.queue <- ev:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "email notification dropped, queue full", map[string]any{
				"slug": ev.Slug,
			})
		}
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []model.OutcomeEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if n.summaryWindow <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		if len(pending) == 0 {
			stopTimer()
			return
		}
		events := append([]model.OutcomeEvent(nil), pending...)
		pending = pending[:0]
		stopTimer()
		n.sendBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			flush("shutdown")
			return
		case ev := <-n.queue:
			pending = append(pending, ev)
			if n.maxBatch > 0 && len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) sendBatch(reason string, events []model.OutcomeEvent) {
	if n.store == nil {
		return
	}

	settings, ok, err := n.store.GetEmailSettings(n.ctx)
	if err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "could not read email settings", map[string]any{"error": err.Error()})
		}
		return
	}
	if !ok || !settings.Enabled {
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "email settings invalid", map[string]any{"error": err.Error()})
		}
		return
	}

	if err := SendOutcomeSummaryEmail(n.ctx, settings, events); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "email send failed", map[string]any{
				"error":  err.Error(),
				"count":  len(events),
				"reason": reason,
			})
		}
		return
	}

	if n.bus != nil {
		n.bus.Log("info", "summary email sent", map[string]any{
			"count":  len(events),
			"reason": reason,
		})
	}
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendOutcomeSummaryEmail(ctx context.Context, settings model.EmailSettings, events []model.OutcomeEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfig(settings)
	if err != nil {
		return err
	}
	to := strings.TrimSpace(settings.To)
	if to == "" {
		to = email
	}

	htmlBody, textBody, err := buildSummaryBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "Claim Engine"))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

// smtpConfig prefers the explicit host/port from settings; otherwise it
// guesses smtp.<domain> with implicit TLS, which covers mail.ru, yandex.ru
// and most hosted domains.
func smtpConfig(settings model.EmailSettings) (host string, port int, useSSL bool, err error) {
	if h := strings.TrimSpace(settings.SMTPHost); h != "" {
		p := settings.SMTPPort
		if p <= 0 {
			p = 465
		}
		return h, p, p == 465, nil
	}

	parts := strings.Split(strings.TrimSpace(settings.Email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "gmail.com":
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || domain == "hotmail.com" || domain == "live.com":
		return "smtp.office365.com", 587, false, nil
	case domain == "yandex.ru" || domain == "yandex.com" || domain == "ya.ru":
		return "smtp.yandex.ru", 465, true, nil
	case domain == "mail.ru" || domain == "inbox.ru" || domain == "bk.ru" || domain == "list.ru":
		return "smtp.mail.ru", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSummarySubject(events []model.OutcomeEvent) string {
	claimed := 0
	for _, ev := range events {
		if ev.Status == model.OutcomeClaimed {
			claimed++
		}
	}
	return fmt.Sprintf("Claim summary: %d claimed, %d failed", claimed, len(events)-claimed)
}

var summaryHTMLTpl = template.Must(template.New("summary").Parse(`
<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width" />
    <title>Claim summary</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;letter-spacing:.2px;">Claim summary</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">claim engine notification</div>
        </div>

        <div style="padding:22px;">
          <div style="font-size:14px;color:#111827;">
            {{ .Total }} orders, {{ .Start }} &ndash; {{ .End }}
          </div>

          <div style="margin-top:12px;border:1px solid #eef0f6;border-radius:12px;overflow:hidden;">
            <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
              <thead>
                <tr style="background:#fafbff;">
                  <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;border-bottom:1px solid #eef0f6;">Time</th>
                  <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;border-bottom:1px solid #eef0f6;">Order</th>
                  <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;border-bottom:1px solid #eef0f6;">Amount</th>
                  <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;border-bottom:1px solid #eef0f6;">Result</th>
                </tr>
              </thead>
              <tbody>
                {{ range .Rows }}
                <tr>
                  <td style="padding:10px 12px;font-size:12px;color:#111827;border-bottom:1px solid #eef0f6;">{{ .At }}</td>
                  <td style="padding:10px 12px;font-size:12px;color:#111827;border-bottom:1px solid #eef0f6;">{{ .Slug }}</td>
                  <td style="padding:10px 12px;font-size:12px;color:#111827;border-bottom:1px solid #eef0f6;">{{ .Amount }}</td>
                  <td style="padding:10px 12px;font-size:12px;color:{{ .Color }};border-bottom:1px solid #eef0f6;font-weight:600;">{{ .Result }}</td>
                </tr>
                {{ end }}
              </tbody>
            </table>
          </div>

          <div style="margin-top:14px;color:#9ca3af;font-size:12px;line-height:1.6;">
            This email was sent automatically.
          </div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

func buildSummaryBody(events []model.OutcomeEvent) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	type summaryRow struct {
		At     string
		Slug   string
		Amount string
		Result string
		Color  string
	}

	rows := make([]summaryRow, 0, len(events))
	var minAt, maxAt time.Time
	for i, ev := range events {
		at := time.Now()
		if ev.AtMs > 0 {
			at = time.UnixMilli(ev.AtMs)
		}
		if i == 0 || at.Before(minAt) {
			minAt = at
		}
		if i == 0 || at.After(maxAt) {
			maxAt = at
		}

		color := "#16a34a"
		if ev.Status != model.OutcomeClaimed {
			color = "#dc2626"
		}
		rows = append(rows, summaryRow{
			At:     at.Format("15:04:05"),
			Slug:   ev.Slug,
			Amount: amountLabel(ev),
			Result: statusLabel(ev.Status),
			Color:  color,
		})
	}

	data := struct {
		Total int
		Start string
		End   string
		Rows  []summaryRow
	}{
		Total: len(events),
		Start: minAt.Format("2006-01-02 15:04:05"),
		End:   maxAt.Format("2006-01-02 15:04:05"),
		Rows:  rows,
	}

	var buf bytes.Buffer
	if err := summaryHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString("Claim summary\n")
	fmt.Fprintf(text, "%d orders, %s - %s\n", len(events), data.Start, data.End)
	for _, ev := range events {
		text.WriteString(formatOutcome(ev) + "\n")
	}

	return buf.String(), text.String(), nil
}
