// Package shared
package shared

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/bits"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

func SafeEnv(env string) (string, error) {
	res, present := os.LookupEnv(env)
	if !present {
		return "", fmt.Errorf("missing environment variable %s", env)
	}
	return res, nil
}

// ExtractBearer pulls the bearer credential out of the Authorization header.
// minLen of 0 skips the length check.
func ExtractBearer(c echo.Context, minLen int) (string, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrInvalidFormat
	}

	token := parts[1]
	if len(token) < minLen {
		return "", ErrInvalidFormat
	}
	return token, nil
}

// NewID returns a lexically sortable record id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// Truncate shortens s for log lines.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// TotalCost is the unit cost multiplied by the number of outputs. It
// saturates at math.MaxUint64 instead of wrapping.
func TotalCost(unit uint64, count int) uint64 {
	if count < 1 {
		count = 1
	}
	hi, lo := bits.Mul64(unit, uint64(count))
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// AddCost sums two costs, saturating at math.MaxUint64.
func AddCost(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
