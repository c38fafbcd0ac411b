package mediation

import (
	"errors"
	"fmt"

	"github.com/patrickwarner/openmediation/internal/models"
)

// ErrorCode enumerates why a load or show failed. The first twelve values
// keep the numbering used by the ad network SDK error domain so that codes
// stored in analytics stay comparable with vendor reports.
type ErrorCode int

const (
	CodeEmptyBlockID ErrorCode = iota
	CodeInvalidBannerSize
	CodeInvalidUUID
	CodeNoSuchBlockID
	CodeNoFill
	CodeBadServerResponse
	CodeBannerSizeMismatch
	CodeAdTypeMismatch
	CodeServiceTemporarilyNotAvailable
	CodeInterstitialAlreadyPresented
	CodeInterstitialOrientationMismatch
	CodeNotInitialized

	CodeTimeout
	CodeRateLimited
	CodeNoConsent
	CodeNetworkDisabled
	CodeNotReady
	CodeFrequencyCapped
)

var codeNames = map[ErrorCode]string{
	CodeEmptyBlockID:                    "empty_block_id",
	CodeInvalidBannerSize:               "invalid_banner_size",
	CodeInvalidUUID:                     "invalid_uuid",
	CodeNoSuchBlockID:                   "no_such_block_id",
	CodeNoFill:                          "no_fill",
	CodeBadServerResponse:               "bad_server_response",
	CodeBannerSizeMismatch:              "banner_size_mismatch",
	CodeAdTypeMismatch:                  "ad_type_mismatch",
	CodeServiceTemporarilyNotAvailable:  "service_temporarily_not_available",
	CodeInterstitialAlreadyPresented:    "interstitial_already_presented",
	CodeInterstitialOrientationMismatch: "interstitial_orientation_mismatch",
	CodeNotInitialized:                  "not_initialized",
	CodeTimeout:                         "timeout",
	CodeRateLimited:                     "rate_limited",
	CodeNoConsent:                       "no_consent",
	CodeNetworkDisabled:                 "network_disabled",
	CodeNotReady:                        "not_ready",
	CodeFrequencyCapped:                 "frequency_capped",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("error_code(%d)", int(c))
}

// ConfigError reports whether the code points at a broken waterfall setup
// rather than a transient network condition.
func (c ErrorCode) ConfigError() bool {
	switch c {
	case CodeEmptyBlockID, CodeNoSuchBlockID, CodeInvalidBannerSize, CodeAdTypeMismatch,
		CodeInvalidUUID, CodeBannerSizeMismatch:
		return true
	}
	return false
}

// Suppresses reports whether a failure with this code should pause the
// (network, ad type) pair for the no-fill backoff window.
func (c ErrorCode) Suppresses() bool {
	return c == CodeNoFill
}

// AdError is the error type returned by networks and the mediator.
type AdError struct {
	Code    ErrorCode
	Network string
	AdType  models.AdType
	Err     error
}

// NewError builds an AdError. cause may be nil.
func NewError(code ErrorCode, network string, adType models.AdType, cause error) *AdError {
	return &AdError{Code: code, Network: network, AdType: adType, Err: cause}
}

func (e *AdError) Error() string {
	msg := e.Code.String()
	if e.Network != "" {
		msg += " from " + e.Network
	}
	if e.AdType != models.AdTypeNone {
		msg += " for " + e.AdType.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdError) Unwrap() error { return e.Err }

// Is matches any AdError carrying the same code, so the sentinels below work
// with errors.Is regardless of network or ad type.
func (e *AdError) Is(target error) bool {
	t, ok := target.(*AdError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrEmptyBlockID                 = &AdError{Code: CodeEmptyBlockID}
	ErrInvalidBannerSize            = &AdError{Code: CodeInvalidBannerSize}
	ErrNoSuchBlockID                = &AdError{Code: CodeNoSuchBlockID}
	ErrNoFill                       = &AdError{Code: CodeNoFill}
	ErrBadServerResponse            = &AdError{Code: CodeBadServerResponse}
	ErrAdTypeMismatch               = &AdError{Code: CodeAdTypeMismatch}
	ErrServiceUnavailable           = &AdError{Code: CodeServiceTemporarilyNotAvailable}
	ErrInterstitialAlreadyPresented = &AdError{Code: CodeInterstitialAlreadyPresented}
	ErrNotInitialized               = &AdError{Code: CodeNotInitialized}
	ErrTimeout                      = &AdError{Code: CodeTimeout}
	ErrRateLimited                  = &AdError{Code: CodeRateLimited}
	ErrNoConsent                    = &AdError{Code: CodeNoConsent}
	ErrNetworkDisabled              = &AdError{Code: CodeNetworkDisabled}
	ErrNotReady                     = &AdError{Code: CodeNotReady}
	ErrFrequencyCapped              = &AdError{Code: CodeFrequencyCapped}

	ErrEmptyAppKey = errors.New("app key is empty")
)

// CodeOf extracts the code of the outermost AdError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ae *AdError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return 0, false
}
