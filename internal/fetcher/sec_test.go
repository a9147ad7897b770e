package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIK(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"320193", 320193, false},
		{"0000320193", 320193, false},
		{"CIK0000320193", 320193, false},
		{" cik320193 ", 320193, false},
		{"", 0, true},
		{"0", 0, true},
		{"AAPL", 0, true},
		{"-5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCIK(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompanyFactsURL(t *testing.T) {
	assert.Equal(t, "CIK0000320193.json", CompanyFactsFile(320193))
	assert.Equal(t, "https://data.sec.gov/api/xbrl/companyfacts/CIK0000320193.json", CompanyFactsURL("", 320193))
	assert.Equal(t, "http://localhost:9000/api/xbrl/companyfacts/CIK0000000042.json", CompanyFactsURL("http://localhost:9000/", 42))
}

func TestFetchCompanyFacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/xbrl/companyfacts/CIK0000320193.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"cik": 320193}`)) //nolint:errcheck
	}))
	defer srv.Close()

	f := newTestFetcher()
	body, err := FetchCompanyFacts(context.Background(), f, srv.URL, 320193)
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cik": 320193}`, string(data))

	_, err = FetchCompanyFacts(context.Background(), f, srv.URL, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CIK 42")
}
