package mailer

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"github.com/knadh/smtppool"
)

const (
	tplVerification  = "verification"
	tplPasswordReset = "password_reset"
)

// Config represents an SMTP server's credentials.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	AuthProtocol string        `json:"auth_protocol"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	FromEmail    string        `json:"from_email"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS or TLS.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// Subjects are the per-message subject lines.
type Subjects struct {
	Verification  string `json:"verification"`
	PasswordReset string `json:"password_reset"`
}

// tplData is what the e-mail templates are executed with.
type tplData struct {
	Code        string
	DisplayName string
	TTL         time.Duration
}

// SMTP delivers OTP e-mails through a pooled SMTP connection.
type SMTP struct {
	cfg    Config
	subj   Subjects
	tpl    *template.Template
	otpTTL time.Duration
	p      *smtppool.Pool
}

// New creates and returns an SMTP mailer. tpl must define the
// "verification" and "password_reset" templates.
func New(cfg Config, subj Subjects, tpl *template.Template, otpTTL time.Duration) (*SMTP, error) {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "otp@localhost"
	}

	// Initialize the SMTP mailer.
	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	// TLS config.
	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not STARTTLS.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &SMTP{
		cfg:    cfg,
		subj:   subj,
		tpl:    tpl,
		otpTTL: otpTTL,
		p:      pool,
	}, nil
}

// SendVerificationOTP e-mails an account verification code.
func (s *SMTP) SendVerificationOTP(to, code, displayName string) error {
	return s.push(to, s.subj.Verification, tplVerification, tplData{
		Code:        code,
		DisplayName: displayName,
		TTL:         s.otpTTL,
	})
}

// SendPasswordResetOTP e-mails a password reset code.
func (s *SMTP) SendPasswordResetOTP(to, code string) error {
	return s.push(to, s.subj.PasswordReset, tplPasswordReset, tplData{
		Code: code,
		TTL:  s.otpTTL,
	})
}

// push renders the named template and hands the message to the pool.
func (s *SMTP) push(to, subject, name string, data tplData) error {
	var out bytes.Buffer
	if err := s.tpl.ExecuteTemplate(&out, name, data); err != nil {
		return fmt.Errorf("error compiling e-mail template: %w", err)
	}

	return s.p.Send(smtppool.Email{
		From:    s.cfg.FromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    out.Bytes(),
	})
}
