package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/buildify/otpflow/internal/directory"
	"github.com/buildify/otpflow/internal/otp"
	"github.com/buildify/otpflow/pkg/models"
)

const (
	msgAntiEnumVerification = "If the e-mail exists, a verification OTP has been sent."
	msgAntiEnumReset        = "If the e-mail exists, an OTP has been sent."
)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type registerReq struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
	Role        string `json:"role"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailReq struct {
	Email string `json:"email"`
}

type verifyReq struct {
	Email   string `json:"email"`
	OTPCode string `json:"otp_code"`
}

type resetPasswordReq struct {
	Email       string `json:"email"`
	ResetToken  string `json:"reset_token"`
	NewPassword string `json:"new_password"`
}

type userResp struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Token       string `json:"token"`
}

type resetTokenResp struct {
	ResetToken string `json:"reset_token"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}
	if err := app.dir.Ping(r.Context()); err != nil {
		sendErrorResponse(w, "Unable to reach user directory.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleRegister creates an unconfirmed account and issues an e-mail
// verification OTP against it.
func handleRegister(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req registerReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}

	email := normalizeEmail(req.Email)
	if !reMail.MatchString(email) {
		sendErrorResponse(w, "Invalid e-mail address.", http.StatusBadRequest, nil)
		return
	}

	if _, err := app.dir.FindByEmail(r.Context(), email); err == nil {
		sendErrorResponse(w, "E-mail address is already in use.", http.StatusBadRequest, nil)
		return
	} else if !errors.Is(err, directory.ErrNotExist) {
		app.lo.Error("error looking up user", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	user := models.User{
		Email:       email,
		DisplayName: strings.TrimSpace(req.DisplayName),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
	}
	if err := app.dir.Create(r.Context(), &user, req.Password); err != nil {
		switch {
		case errors.Is(err, directory.ErrWeakPassword), errors.Is(err, directory.ErrExists):
			sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		default:
			app.lo.Error("error creating user", "error", err)
			sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		}
		return
	}

	// Requested role, when valid, overrides the default.
	if role := strings.ToLower(strings.TrimSpace(req.Role)); directory.ValidRole(role) && role != user.Role {
		if err := app.dir.AssignRole(r.Context(), user.ID, role); err != nil {
			app.lo.Error("error assigning role", "error", err, "role", role)
			sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
			return
		}
		user.Role = role
	}

	if err := app.engine.Issue(r.Context(), email, models.PurposeEmailVerification, user.DisplayName); err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, "Registration successful. Please check your e-mail to verify your account.")
}

// handleVerifyEmail checks an e-mail verification OTP, confirms the
// account, and signs a session token.
func handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}
	email := normalizeEmail(req.Email)

	user, err := app.dir.FindByEmail(r.Context(), email)
	if errors.Is(err, directory.ErrNotExist) {
		sendErrorResponse(w, "User not found.", http.StatusBadRequest, nil)
		return
	} else if err != nil {
		app.lo.Error("error looking up user", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}
	if user.EmailConfirmed {
		sendErrorResponse(w, "E-mail is already verified.", http.StatusBadRequest, nil)
		return
	}

	if _, err := app.engine.Verify(r.Context(), email, models.PurposeEmailVerification, req.OTPCode); err != nil {
		sendOTPError(app, w, err)
		return
	}

	if err := app.dir.ConfirmEmail(r.Context(), user.ID); err != nil {
		app.lo.Error("error confirming e-mail", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}
	user.EmailConfirmed = true

	t, err := app.token.Create(user)
	if err != nil {
		app.lo.Error("error signing session token", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, userResp{
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Token:       t,
	})
}

// handleResendVerification re-issues an e-mail verification OTP with a
// cooldown. Unknown addresses get a success-shaped response so the
// endpoint can't be used to enumerate accounts.
func handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req emailReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}
	email := normalizeEmail(req.Email)

	user, err := app.dir.FindByEmail(r.Context(), email)
	if errors.Is(err, directory.ErrNotExist) {
		sendResponse(w, msgAntiEnumVerification)
		return
	} else if err != nil {
		app.lo.Error("error looking up user", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}
	if user.EmailConfirmed {
		sendErrorResponse(w, "E-mail is already verified.", http.StatusBadRequest, nil)
		return
	}

	if err := app.engine.Resend(r.Context(), email, models.PurposeEmailVerification, user.DisplayName); err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, "A new verification OTP has been sent to your e-mail.")
}

func handleLogin(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req loginReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}
	email := normalizeEmail(req.Email)

	user, err := app.dir.FindByEmail(r.Context(), email)
	if errors.Is(err, directory.ErrNotExist) {
		sendErrorResponse(w, "Invalid e-mail or password.", http.StatusUnauthorized, nil)
		return
	} else if err != nil {
		app.lo.Error("error looking up user", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	if !user.EmailConfirmed {
		sendErrorResponse(w, "Please verify your e-mail address before logging in.", http.StatusUnauthorized, nil)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		sendErrorResponse(w, "Invalid e-mail or password.", http.StatusUnauthorized, nil)
		return
	}

	if err := app.dir.UpdateLastLogin(r.Context(), user.ID); err != nil {
		app.lo.Error("error stamping last login", "error", err)
	}

	t, err := app.token.Create(user)
	if err != nil {
		app.lo.Error("error signing session token", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, userResp{
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Token:       t,
	})
}

// handleForgotPassword issues a password reset OTP. The response never
// reveals whether the account exists.
func handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req emailReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}
	email := normalizeEmail(req.Email)

	user, err := app.dir.FindByEmail(r.Context(), email)
	if errors.Is(err, directory.ErrNotExist) {
		sendResponse(w, msgAntiEnumReset)
		return
	} else if err != nil {
		app.lo.Error("error looking up user", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	if err := app.engine.Issue(r.Context(), email, models.PurposePasswordReset, user.DisplayName); err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, msgAntiEnumReset)
}

// handleVerifyOTP checks a password reset OTP and returns the reset
// token that gates the actual password change.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}

	t, err := app.engine.Verify(r.Context(), normalizeEmail(req.Email), models.PurposePasswordReset, req.OTPCode)
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, resetTokenResp{ResetToken: t})
}

// handleResendOTP re-issues a password reset OTP with a cooldown and
// the same anti-enumeration shape as handleForgotPassword.
func handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req emailReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}
	email := normalizeEmail(req.Email)

	user, err := app.dir.FindByEmail(r.Context(), email)
	if errors.Is(err, directory.ErrNotExist) {
		sendResponse(w, msgAntiEnumReset)
		return
	} else if err != nil {
		app.lo.Error("error looking up user", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	if err := app.engine.Resend(r.Context(), email, models.PurposePasswordReset, user.DisplayName); err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, "A new OTP has been sent.")
}

func handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req resetPasswordReq
	)
	if err := readJSON(r, &req); err != nil {
		sendErrorResponse(w, "Invalid request body.", http.StatusBadRequest, nil)
		return
	}

	if err := app.engine.CompleteReset(r.Context(), normalizeEmail(req.Email), req.ResetToken, req.NewPassword); err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, "Password has been reset successfully.")
}

// handleStats returns the admin summary.
func handleStats(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	stats, err := app.dir.Stats(r.Context())
	if err != nil {
		app.lo.Error("error fetching stats", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, stats)
}

// sendOTPError translates the engine's error kinds into transport
// status codes.
func sendOTPError(app *App, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, otp.ErrRateLimited):
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)
	case errors.Is(err, otp.ErrNotFound),
		errors.Is(err, otp.ErrInvalidCode),
		errors.Is(err, otp.ErrLocked),
		errors.Is(err, otp.ErrInvalidToken),
		errors.Is(err, otp.ErrDirectory):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, otp.ErrDispatch):
		sendErrorResponse(w, "Error sending OTP.", http.StatusInternalServerError, nil)
	default:
		app.lo.Error("otp workflow error", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
	}
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auth is a simple basic-auth middleware for the admin endpoints.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(string(strings.Trim(h[len(authBasic):], " ")))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			user   = string(pair[0])
			secret = pair[1]
		)
		s, ok := authMap[user]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// sendResponse sends a JSON envelope to the HTTP response. Strings go
// out as the message, everything else as data.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	resp := httpResp{Status: "success"}
	if msg, ok := data.(string); ok {
		resp.Message = msg
	} else {
		resp.Data = data
	}

	out, err := json.Marshal(resp)
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
