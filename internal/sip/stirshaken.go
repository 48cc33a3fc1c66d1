package sip

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/golang-jwt/jwt/v4"
)

// IdentityVerifier inspects STIR/SHAKEN Identity headers on inbound
// INVITEs. The PASSporT is decoded and its attestation logged; signature
// verification against the carrier certificate chain is not performed,
// so the result informs logging and never blocks a call.
type IdentityVerifier struct {
	parser *jwt.Parser
	logger *slog.Logger
}

// passportClaims are the RFC 8225 claims this server reads.
type passportClaims struct {
	Attest string         `json:"attest"`
	Orig   map[string]any `json:"orig"`
	Dest   map[string]any `json:"dest"`
	IAT    int64          `json:"iat"`
	OrigID string         `json:"origid"`
	jwt.RegisteredClaims
}

// NewIdentityVerifier creates a verifier that decodes without signature
// checks.
func NewIdentityVerifier(logger *slog.Logger) *IdentityVerifier {
	return &IdentityVerifier{
		parser: jwt.NewParser(),
		logger: logger.With("subsystem", "stirshaken"),
	}
}

// Inspect reads the Identity header, if present, and logs the PASSporT
// attestation level and originating number.
func (v *IdentityVerifier) Inspect(req *sip.Request) {
	h := req.GetHeader("Identity")
	if h == nil {
		return
	}

	claims, err := v.decode(h.Value())
	if err != nil {
		v.logger.Warn("identity header unreadable",
			"call_id", callIDValue(req),
			"error", err,
		)
		return
	}

	orig := ""
	if tn, ok := claims.Orig["tn"].(string); ok {
		orig = tn
	}
	v.logger.Info("passport identity present",
		"call_id", callIDValue(req),
		"attest", claims.Attest,
		"orig", orig,
		"origid", claims.OrigID,
	)
}

// decode strips the Identity header parameters and parses the PASSporT
// token without verifying its signature.
func (v *IdentityVerifier) decode(value string) (*passportClaims, error) {
	token := value
	if i := strings.IndexByte(token, ';'); i >= 0 {
		token = token[:i]
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("empty identity token")
	}

	claims := &passportClaims{}
	if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing passport: %w", err)
	}
	return claims, nil
}
