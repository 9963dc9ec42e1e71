package main

import (
	"net/http"
	"os"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/zerodha/logf"

	"github.com/buildify/otpflow/internal/directory"
	"github.com/buildify/otpflow/internal/mailer"
	"github.com/buildify/otpflow/internal/otp"
	"github.com/buildify/otpflow/internal/store"
	pgstore "github.com/buildify/otpflow/internal/store/postgres"
	redisstore "github.com/buildify/otpflow/internal/store/redis"
	"github.com/buildify/otpflow/internal/token"
)

// App is the global app context that groups the necessary controls
// (store, directory, engine etc.) to be injected into the HTTP handlers.
type App struct {
	store  store.Store
	dir    directory.Directory
	engine *otp.Engine
	token  *token.JWT
	lo     logf.Logger
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo := initLogger(ko.Bool("app.debug"))

	app := &App{lo: lo}

	// User directory.
	var dc directory.Conf
	ko.UnmarshalWithConf("directory", &dc, koanf.UnmarshalConf{Tag: "json"})
	dir, err := directory.NewPostgres(dc)
	if err != nil {
		lo.Fatal("error connecting to user directory", "error", err)
	}
	app.dir = dir

	// OTP store.
	switch ko.String("store.type") {
	case "redis":
		var rc redisstore.Conf
		ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
		app.store = redisstore.New(rc)
	default:
		if dsn := ko.String("store.postgres.dsn"); dsn != "" {
			var pc pgstore.Conf
			ko.UnmarshalWithConf("store.postgres", &pc, koanf.UnmarshalConf{Tag: "json"})
			st, err := pgstore.New(pc)
			if err != nil {
				lo.Fatal("error connecting to OTP store", "error", err)
			}
			app.store = st
		} else {
			// Share the directory's connection pool.
			app.store = pgstore.NewWithDB(dir.DB())
		}
	}

	// Compile the e-mail templates.
	fs := initFS(os.Args[0])
	tpl, err := stuffbin.ParseTemplatesGlob(sprig.HtmlFuncMap(), fs, "/static/*.html")
	if err != nil {
		lo.Fatal("error compiling e-mail templates", "error", err)
	}

	// Mailer.
	var sc mailer.Config
	ko.UnmarshalWithConf("smtp", &sc, koanf.UnmarshalConf{Tag: "json"})
	m, err := mailer.New(sc, mailer.Subjects{
		Verification:  ko.String("mail.subject_verification"),
		PasswordReset: ko.String("mail.subject_password_reset"),
	}, tpl, ko.Duration("otp.ttl"))
	if err != nil {
		lo.Fatal("error initializing mailer", "error", err)
	}

	// The OTP workflow engine.
	app.engine = otp.New(app.store, m, dir, otp.Opt{
		CodeLength:        ko.Int("otp.code_length"),
		TTL:               ko.Duration("otp.ttl"),
		ResendWait:        ko.Duration("otp.resend_wait"),
		MaxFailedAttempts: ko.Int("otp.max_failed_attempts"),
		LockDuration:      ko.Duration("otp.lock_duration"),
		ResetTokenLength:  ko.Int("otp.reset_token_length"),
		ResetTokenTTL:     ko.Duration("otp.reset_token_ttl"),
	}, lo)

	// Session tokens.
	if ko.String("jwt.secret") == "" {
		lo.Fatal("jwt.secret is not set in config")
	}
	app.token = token.New(ko.String("jwt.secret"), ko.Duration("jwt.expiry"), "otpflow")

	authCreds := initAuth(lo)

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpflow"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/register", wrap(app, handleRegister))
	r.Post("/api/verify-email", wrap(app, handleVerifyEmail))
	r.Post("/api/resend-verification", wrap(app, handleResendVerification))
	r.Post("/api/login", wrap(app, handleLogin))
	r.Post("/api/forgot-password", wrap(app, handleForgotPassword))
	r.Post("/api/verify-otp", wrap(app, handleVerifyOTP))
	r.Post("/api/resend-otp", wrap(app, handleResendOTP))
	r.Post("/api/reset-password", wrap(app, handleResetPassword))
	r.Get("/api/stats", auth(authCreds, wrap(app, handleStats)))

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "build", buildString)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
