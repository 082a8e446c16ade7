package ingest

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/lox/wxcache/internal/models"
)

func dailyRecord(mutate func(r *models.DailyRecord)) *models.DailyRecord {
	r := models.NewDailyRecord(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	r.MaxT, r.MinT, r.TAvg = 20, 10, 15
	r.Humid, r.Rain, r.SunHours, r.Wind, r.Radn = 60, 0, 8, 2, 15
	if mutate != nil {
		mutate(&r)
	}
	return &r
}

func TestValidateDaily(t *testing.T) {
	tests := []struct {
		name      string
		rec       *models.DailyRecord
		wantFlags []string
	}{
		{
			name:      "valid record - no flags",
			rec:       dailyRecord(nil),
			wantFlags: nil,
		},
		{
			name:      "missing values are not flagged",
			rec:       dailyRecord(func(r *models.DailyRecord) { r.TAvg, r.Humid = math.NaN(), math.NaN() }),
			wantFlags: nil,
		},
		{
			name:      "temp too hot",
			rec:       dailyRecord(func(r *models.DailyRecord) { r.MaxT = 55 }),
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "both temps bad flag once",
			rec:       dailyRecord(func(r *models.DailyRecord) { r.MaxT, r.MinT = 55, -45 }),
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "humidity over 100",
			rec:       dailyRecord(func(r *models.DailyRecord) { r.Humid = 101 }),
			wantFlags: []string{FlagHumidityInvalid},
		},
		{
			name:      "negative rain",
			rec:       dailyRecord(func(r *models.DailyRecord) { r.Rain = -0.1 }),
			wantFlags: []string{FlagRainNegative},
		},
		{
			name:      "sunshine over a day",
			rec:       dailyRecord(func(r *models.DailyRecord) { r.SunHours = 25 }),
			wantFlags: []string{FlagSunshineInvalid},
		},
		{
			name: "multiple flags in bound order",
			rec: dailyRecord(func(r *models.DailyRecord) {
				r.Wind, r.Radn, r.TAvg = 80, -1, 60
			}),
			wantFlags: []string{FlagTempOutOfRange, FlagWindSpeedUnlikely, FlagRadiationInvalid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateDaily(tt.rec)
			if len(got) != len(tt.wantFlags) {
				t.Fatalf("ValidateDaily() = %v, want %v", got, tt.wantFlags)
			}
			for i := range got {
				if got[i] != tt.wantFlags[i] {
					t.Errorf("ValidateDaily()[%d] = %q, want %q", i, got[i], tt.wantFlags[i])
				}
			}
		})
	}
}

func TestValidateDaily_BoundaryValues(t *testing.T) {
	tests := []struct {
		name string
		rec  *models.DailyRecord
	}{
		{"temp at -40", dailyRecord(func(r *models.DailyRecord) { r.MinT = -40 })},
		{"temp at 50", dailyRecord(func(r *models.DailyRecord) { r.MaxT = 50 })},
		{"humidity at 0", dailyRecord(func(r *models.DailyRecord) { r.Humid = 0 })},
		{"humidity at 100", dailyRecord(func(r *models.DailyRecord) { r.Humid = 100 })},
		{"sunshine at 24", dailyRecord(func(r *models.DailyRecord) { r.SunHours = 24 })},
		{"wind at 75", dailyRecord(func(r *models.DailyRecord) { r.Wind = 75 })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateDaily(tt.rec); len(got) != 0 {
				t.Errorf("ValidateDaily() = %v, want no flags", got)
			}
		})
	}
}

func TestClearOutOfRange(t *testing.T) {
	r := dailyRecord(func(r *models.DailyRecord) { r.Humid, r.Wind = 140, -3 })

	if n := ClearOutOfRange(r); n != 2 {
		t.Fatalf("ClearOutOfRange() = %d, want 2", n)
	}
	if !math.IsNaN(r.Humid) || !math.IsNaN(r.Wind) {
		t.Errorf("humid=%v wind=%v, want both NaN", r.Humid, r.Wind)
	}
	if r.TAvg != 15 {
		t.Errorf("TAvg = %v, in-range values must be kept", r.TAvg)
	}
	if n := ClearOutOfRange(r); n != 0 {
		t.Errorf("second ClearOutOfRange() = %d, want 0", n)
	}
}

func TestTruncateBody(t *testing.T) {
	t.Run("short string unchanged", func(t *testing.T) {
		input := "hello world"
		got := truncateBody([]byte(input))
		if got != input {
			t.Errorf("truncateBody() = %q, want %q", got, input)
		}
	})

	t.Run("exactly 512 chars unchanged", func(t *testing.T) {
		input := strings.Repeat("a", 512)
		got := truncateBody([]byte(input))
		if got != input {
			t.Errorf("truncateBody() len = %d, want 512", len(got))
		}
	})

	t.Run("over 512 chars truncated", func(t *testing.T) {
		input := strings.Repeat("x", 600)
		got := truncateBody([]byte(input))
		expectedSuffix := "...(truncated)"
		if !strings.HasPrefix(got, strings.Repeat("x", 512)) {
			t.Error("truncateBody() should start with 512 'x' characters")
		}
		if !strings.HasSuffix(got, expectedSuffix) {
			t.Errorf("truncateBody() should end with %q", expectedSuffix)
		}
		if len(got) != 512+len(expectedSuffix) {
			t.Errorf("truncateBody() len = %d, want %d", len(got), 512+len(expectedSuffix))
		}
	})
}

func TestDecodeServiceKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc123", "abc123"},
		{"  abc123\n", "abc123"},
		{"ab%2Bc%3D%3D", "ab+c=="},
		{"ab+c==", "ab+c=="},
		{"bad%zz", "bad%zz"},
	}
	for _, tt := range tests {
		if got := decodeServiceKey(tt.in); got != tt.want {
			t.Errorf("decodeServiceKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactKey(t *testing.T) {
	err := errors.New(`Get "http://x/api?serviceKey=ab%2Bc%3D%3D&pageNo=1": dial tcp: refused`)
	got := redactKey(err, "ab+c==")
	if strings.Contains(got.Error(), "ab%2Bc") {
		t.Errorf("redactKey() = %q, key still present", got)
	}
	if !strings.Contains(got.Error(), "serviceKey=REDACTED") {
		t.Errorf("redactKey() = %q, want REDACTED marker", got)
	}

	plain := errors.New("timeout")
	if redactKey(plain, "ab+c==") != plain {
		t.Error("redactKey() should return errors without the key unchanged")
	}
}

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantItems int
		wantTotal int
		wantErr   error
	}{
		{
			name:      "array of items",
			body:      `{"response":{"header":{"resultCode":"00","resultMsg":"NORMAL_SERVICE"},"body":{"items":{"item":[{"a":"1"},{"a":"2"}]},"totalCount":5}}}`,
			wantItems: 2,
			wantTotal: 5,
		},
		{
			name:      "single item object",
			body:      `{"response":{"header":{"resultCode":"00"},"body":{"items":{"item":{"a":"1"}},"totalCount":1}}}`,
			wantItems: 1,
			wantTotal: 1,
		},
		{
			name:      "missing totalCount uses item count",
			body:      `{"response":{"header":{"resultCode":"00"},"body":{"items":{"item":[{"a":"1"}]}}}}`,
			wantItems: 1,
			wantTotal: 1,
		},
		{
			name:    "no data",
			body:    `{"response":{"header":{"resultCode":"03","resultMsg":"NO_DATA"}}}`,
			wantErr: ErrNoData,
		},
		{
			name:    "api error code",
			body:    `{"response":{"header":{"resultCode":"30","resultMsg":"SERVICE_KEY_IS_NOT_REGISTERED_ERROR"}}}`,
			wantErr: ErrAPIResult,
		},
		{
			name:    "not json",
			body:    `<OpenAPI_ServiceResponse><cmmMsgHeader>SERVICE ERROR</cmmMsgHeader></OpenAPI_ServiceResponse>`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "missing items",
			body:    `{"response":{"header":{"resultCode":"00"},"body":{"items":""}}}`,
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "item is a string",
			body:    `{"response":{"header":{"resultCode":"00"},"body":{"items":{"item":"x"}}}}`,
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := decodePage([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("decodePage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodePage() error = %v", err)
			}
			if len(items) != tt.wantItems {
				t.Errorf("len(items) = %d, want %d", len(items), tt.wantItems)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
		})
	}
}
