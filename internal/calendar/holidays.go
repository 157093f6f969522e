package calendar

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHolidayEndpoint is the public special-day information service.
const DefaultHolidayEndpoint = "http://apis.data.go.kr/B090041/openapi/service/SpcdeInfoService/getRestDeInfo"

// DataGoKr fetches rest days from the data.go.kr special-day service.
type DataGoKr struct {
	Endpoint string
	Key      string
	HTTP     *http.Client
}

// NewDataGoKr returns a nil source when key is empty, which leaves the
// calendar on weekday-only behaviour.
func NewDataGoKr(endpoint, key string) HolidaySource {
	if key == "" {
		return nil
	}
	if endpoint == "" {
		endpoint = DefaultHolidayEndpoint
	}
	return &DataGoKr{
		Endpoint: endpoint,
		Key:      key,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

type restDeResponse struct {
	Header struct {
		ResultCode string `xml:"resultCode"`
		ResultMsg  string `xml:"resultMsg"`
	} `xml:"header"`
	Body struct {
		Items struct {
			Item []struct {
				DateName  string `xml:"dateName"`
				IsHoliday string `xml:"isHoliday"`
				Locdate   string `xml:"locdate"`
			} `xml:"item"`
		} `xml:"items"`
	} `xml:"body"`
}

func (d *DataGoKr) FetchMonth(ctx context.Context, year int, month time.Month) ([]string, error) {
	q := url.Values{}
	q.Set("serviceKey", d.Key)
	q.Set("solYear", fmt.Sprintf("%04d", year))
	q.Set("solMonth", fmt.Sprintf("%02d", int(month)))
	q.Set("numOfRows", "50")

	sep := "?"
	if strings.Contains(d.Endpoint, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Endpoint+sep+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("holiday api: http %d", resp.StatusCode)
	}

	var parsed restDeResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("holiday api: decode: %w", err)
	}
	if parsed.Header.ResultCode != "00" {
		return nil, fmt.Errorf("holiday api: result %s %s", parsed.Header.ResultCode, parsed.Header.ResultMsg)
	}
	dates := make([]string, 0, len(parsed.Body.Items.Item))
	for _, it := range parsed.Body.Items.Item {
		if it.IsHoliday == "N" {
			continue
		}
		if s := strings.TrimSpace(it.Locdate); s != "" {
			dates = append(dates, s)
		}
	}
	return dates, nil
}
