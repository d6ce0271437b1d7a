package detection

import (
	"math"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDisconnected means the service could not be reached or reported
	// itself unhealthy.
	ErrDisconnected = errors.New("detection service disconnected")

	// ErrMalformedResponse is a success status carrying a null or unparsable
	// body. It is retried like a network failure.
	ErrMalformedResponse = errors.New("malformed detection response")

	// ErrSubmission means a frame could not be submitted within the attempt budget.
	ErrSubmission = errors.New("frame submission failed")

	ErrUserExists   = errors.New("user already exists")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("invalid login or password")
)

// Detection is one object found in a submitted frame. Coordinates are pixels
// in source frame space.
type Detection struct {
	ObjectID  int     `json:"objectid"`
	ClassName string  `json:"classname"`
	XTL       float64 `json:"xtl"`
	YTL       float64 `json:"ytl"`
	XBR       float64 `json:"xbr"`
	YBR       float64 `json:"ybr"`
}

// wireDetection accepts object ids serialized as floats.
type wireDetection struct {
	ObjectID  float64 `json:"objectid"`
	ClassName string  `json:"classname"`
	XTL       float64 `json:"xtl"`
	YTL       float64 `json:"ytl"`
	XBR       float64 `json:"xbr"`
	YBR       float64 `json:"ybr"`
}

func (w wireDetection) detection() Detection {
	return Detection{
		ObjectID:  int(math.Round(w.ObjectID)),
		ClassName: w.ClassName,
		XTL:       w.XTL,
		YTL:       w.YTL,
		XBR:       w.XBR,
		YBR:       w.YBR,
	}
}

// ConnConfig identifies a detection service. It is a value: changing the
// host or port means building a new Client.
type ConnConfig struct {
	Host        string
	Port        int
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultMaxAttempts is the per-frame submission budget.
const DefaultMaxAttempts = 5

// BaseURL returns http://host:port.
func (c ConnConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Credentials are sent to the auth endpoints as {"Login", "Password"}.
type Credentials struct {
	Login    string `json:"Login"`
	Password string `json:"Password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}
