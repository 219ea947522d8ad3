// Package notify is the agent's fire-and-forget email sink (C11). Every
// send is attempted at most once: a failure is logged and counted, never
// retried, matching the ordering guarantee in §5 that a notification
// never blocks or re-runs the worker that triggered it.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/config"
	"github.com/virctl/robot/pkg/log"
	"github.com/virctl/robot/pkg/metrics"
	"github.com/virctl/robot/pkg/types"
)

//go:embed assets
var inlineAssets embed.FS

// inlineImage is one Content-ID-referenced image attached to every
// email this package sends: a banner and a success/failure icon.
type inlineImage struct {
	cid, filename, mimeType string
}

var images = []inlineImage{
	{cid: "banner", filename: "assets/banner.svg", mimeType: "image/svg+xml"},
	{cid: "success-icon", filename: "assets/success.svg", mimeType: "image/svg+xml"},
	{cid: "failure-icon", filename: "assets/failure.svg", mimeType: "image/svg+xml"},
}

// Notifier sends the agent's operator and VPN-recipient emails over
// SMTP with STARTTLS.
type Notifier struct {
	host     string
	sender   string
	username string
	password string
	timeout  time.Duration

	operators []string

	logger zerolog.Logger
}

// New builds a Notifier from the process configuration.
func New(cfg config.Config) *Notifier {
	return &Notifier{
		host:      cfg.SMTPHost,
		sender:    cfg.SMTPSender,
		username:  cfg.SMTPUsername,
		password:  cfg.SMTPPassword,
		timeout:   cfg.SMTPSendTimeout,
		operators: cfg.OperatorEmails,
		logger:    log.WithComponent("notify"),
	}
}

// NotifyFailure sends the operator distribution list a failure email
// for one resource, rendering its accumulated in-memory errors.
func (n *Notifier) NotifyFailure(ctx context.Context, kind types.ResourceKind, id, projectID int, errs []types.WorkerError) {
	if len(n.operators) == 0 {
		n.logger.Debug().Msg("no operator recipients configured, skipping failure email")
		return
	}

	subject := fmt.Sprintf("[robot] %s #%d (project %d) unresourced", kind, id, projectID)
	body := n.failureBody(kind, id, projectID, errs)
	n.send(ctx, "failure", n.operators, subject, body)
}

// NotifyVMBuildSuccess sends the VM's one-time admin credentials to the
// operator distribution list once a build completes.
func (n *Notifier) NotifyVMBuildSuccess(ctx context.Context, vmID, projectID int, adminPassword string) {
	if len(n.operators) == 0 {
		return
	}
	subject := fmt.Sprintf("[robot] VM #%d (project %d) built successfully", vmID, projectID)
	body := fmt.Sprintf(`<html><body>
<img src="cid:banner"><br>
<img src="cid:success-icon"> VM #%d in project %d has been built.<br>
Admin password: <code>%s</code>
</body></html>`, vmID, projectID, adminPassword)
	n.send(ctx, "vm_build_success", n.operators, subject, body)
}

// NotifyVPNBuildSuccess sends a VPN's configured recipients the
// build/update-complete notice, per §8 scenario 2 ("built successfully"
// must appear in the subject).
func (n *Notifier) NotifyVPNBuildSuccess(ctx context.Context, vpnID, virtualRouterID int, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("[robot] VPN #%d on virtual router #%d built successfully", vpnID, virtualRouterID)
	body := fmt.Sprintf(`<html><body>
<img src="cid:banner"><br>
<img src="cid:success-icon"> VPN tunnel #%d on virtual router #%d is up.
</body></html>`, vpnID, virtualRouterID)
	n.send(ctx, "vpn_build_success", recipients, subject, body)
}

func (n *Notifier) failureBody(kind types.ResourceKind, id, projectID int, errs []types.WorkerError) string {
	var lines strings.Builder
	lines.WriteString(`<img src="cid:banner"><br><img src="cid:failure-icon"> `)
	fmt.Fprintf(&lines, "%s #%d (project %d) was quarantined.<ul>", kind, id, projectID)
	for _, e := range errs {
		fmt.Fprintf(&lines, "<li>[%s] %s</li>", e.Reason, mime.QEncoding.Encode("utf-8", e.Message))
	}
	lines.WriteString("</ul>")
	return "<html><body>" + lines.String() + "</body></html>"
}

func (n *Notifier) send(ctx context.Context, event string, to []string, subject, htmlBody string) {
	msg, err := buildMessage(n.sender, to, subject, htmlBody)
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("failed to build notification email")
		metrics.NotificationsSentTotal.WithLabelValues(event, "build_error").Inc()
		return
	}

	if err := n.deliver(ctx, to, msg); err != nil {
		n.logger.Error().Err(err).Str("event", event).Strs("to", to).Msg("failed to send notification email")
		metrics.NotificationsSentTotal.WithLabelValues(event, "send_error").Inc()
		return
	}
	metrics.NotificationsSentTotal.WithLabelValues(event, "sent").Inc()
}

func (n *Notifier) deliver(ctx context.Context, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(n.host)
	if err != nil {
		host = n.host
	}

	dialer := net.Dialer{Timeout: n.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", n.host)
	if err != nil {
		return fmt.Errorf("dialing smtp host %s: %w", n.host, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("initiating smtp session: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if n.username != "" {
		auth := smtp.PlainAuth("", n.username, n.password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(n.sender); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}

// buildMessage assembles a multipart/related MIME message: an HTML part
// plus the three Content-ID-referenced images every email carries.
func buildMessage(from string, to []string, subject, htmlBody string) ([]byte, error) {
	var buf bytes.Buffer
	boundary := "robot-notify-boundary"

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/related; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	buf.WriteString(htmlBody)
	buf.WriteString("\r\n")

	for _, img := range images {
		data, err := inlineAssets.ReadFile(img.filename)
		if err != nil {
			return nil, fmt.Errorf("reading embedded asset %s: %w", img.filename, err)
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", img.mimeType)
		fmt.Fprintf(&buf, "Content-ID: <%s>\r\n", img.cid)
		buf.WriteString("Content-Disposition: inline\r\n\r\n")
		buf.Write(data)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}
