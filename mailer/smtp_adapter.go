package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"gopkg.in/gomail.v2"

	"mailcadence/config"
	"mailcadence/models"
	"mailcadence/store"
	"mailcadence/utils"
)

// refresh this long before the recorded expiry
const tokenExpiryMargin = 5 * time.Minute

// SMTPAdapter sends through one account's SMTP endpoint. OAuth-backed
// accounts (gmail, outlook) authenticate with the current access token as the
// SMTP secret; plain accounts use the stored password.
type SMTPAdapter struct {
	sender  *models.Sender
	tokens  store.SenderStore
	timeout time.Duration

	mu       sync.Mutex // guards token refresh and dialer state
	password string
	closed   bool
}

func NewSMTPAdapter(sender *models.Sender, tokens store.SenderStore, timeout time.Duration) *SMTPAdapter {
	return &SMTPAdapter{
		sender:  sender,
		tokens:  tokens,
		timeout: timeout,
	}
}

func (a *SMTPAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sender.OAuthProvider == "" {
		password, err := utils.Decrypt(a.sender.SMTPPassword)
		if err != nil {
			return fmt.Errorf("decrypt smtp password: %w", err)
		}
		a.password = password
		return nil
	}

	accessToken, err := utils.Decrypt(a.sender.OAuthToken)
	if err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	refreshToken, err := utils.Decrypt(a.sender.OAuthRefreshToken)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       a.sender.OAuthExpiry,
	}

	if time.Until(token.Expiry) > tokenExpiryMargin {
		a.password = token.AccessToken
		return nil
	}

	oauthCfg, err := oauthConfigFor(a.sender.OAuthProvider)
	if err != nil {
		return err
	}

	fresh, err := oauthCfg.TokenSource(ctx, token).Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	// Persist the rotated token before using it. A crash between refresh and
	// persistence must not strand the account unauthenticated.
	if fresh.AccessToken != token.AccessToken {
		encAccess, err := utils.Encrypt(fresh.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		var encRefresh string
		if fresh.RefreshToken != "" && fresh.RefreshToken != token.RefreshToken {
			if encRefresh, err = utils.Encrypt(fresh.RefreshToken); err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
		}
		if err := a.tokens.SaveSenderTokens(ctx, a.sender.ID, encAccess, encRefresh, fresh.Expiry); err != nil {
			return fmt.Errorf("persist refreshed tokens: %w", err)
		}
		a.sender.OAuthExpiry = fresh.Expiry
	}

	a.password = fresh.AccessToken
	return nil
}

func (a *SMTPAdapter) SendEmail(ctx context.Context, email OutgoingEmail) (string, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", fmt.Errorf("adapter for sender %d is closed", a.sender.ID)
	}
	password := a.password
	a.mu.Unlock()

	messageID := buildMessageID(a.sender.FromEmail)

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(a.sender.FromEmail, a.sender.FromName))
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	if email.TrackingID != "" {
		m.SetHeader("X-Tracking-ID", email.TrackingID)
	}
	if email.InReplyTo != "" {
		m.SetHeader("In-Reply-To", email.InReplyTo)
	}
	if len(email.References) > 0 {
		m.SetHeader("References", strings.Join(email.References, " "))
	}
	if email.TextBody != "" {
		m.SetBody("text/plain", email.TextBody)
		m.AddAlternative("text/html", email.HTMLBody)
	} else {
		m.SetBody("text/html", email.HTMLBody)
	}

	d := gomail.NewDialer(a.sender.SMTPHost, a.sender.SMTPPort, a.sender.SMTPUsername, password)

	// gomail has no context support; bound the call ourselves.
	errCh := make(chan error, 1)
	go func() { errCh <- d.DialAndSend(m) }()

	timeout := a.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	select {
	case err := <-errCh:
		if err != nil {
			return "", err
		}
		return messageID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
	case <-time.After(timeout):
		return "", ErrSendTimeout
	}
}

// GetQuotaStatus queries the provider's quota endpoint with the account's
// OAuth credentials. Plain SMTP accounts have no such endpoint.
func (a *SMTPAdapter) GetQuotaStatus(ctx context.Context) (*QuotaSnapshot, error) {
	if a.sender.OAuthProvider == "" {
		return nil, ErrQuotaUnsupported
	}
	quotaURL := quotaURLFor(a.sender.OAuthProvider)
	if quotaURL == "" {
		return nil, ErrQuotaUnsupported
	}

	a.mu.Lock()
	accessToken := a.password
	a.mu.Unlock()

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, quotaURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: quota endpoint returned %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quota endpoint returned %d", resp.StatusCode)
	}

	var snapshot QuotaSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode quota response: %w", err)
	}
	return &snapshot, nil
}

func (a *SMTPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func oauthConfigFor(provider string) (*oauth2.Config, error) {
	switch provider {
	case "google":
		return &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			RedirectURL:  config.AppConfig.Google.RedirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://mail.google.com/"},
		}, nil
	case "microsoft":
		return &oauth2.Config{
			ClientID:     config.AppConfig.Microsoft.ClientID,
			ClientSecret: config.AppConfig.Microsoft.ClientSecret,
			RedirectURL:  config.AppConfig.Microsoft.RedirectURI,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"https://outlook.office.com/SMTP.Send", "offline_access"},
		}, nil
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", provider)
	}
}

func quotaURLFor(provider string) string {
	switch provider {
	case "google":
		return config.AppConfig.Google.QuotaURL
	case "microsoft":
		return config.AppConfig.Microsoft.QuotaURL
	default:
		return ""
	}
}

func buildMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}
