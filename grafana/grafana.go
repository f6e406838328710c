// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grafana fetches register readback values from the lab
// monitoring stack (InfluxDB behind Grafana).
//
// The multimeter readings of the four module slots are published as
// measurements M1-M4 with a single REG[V] field in the RegisterRead
// bucket.
package grafana // import "github.com/go-itk/pixmux/grafana"

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default datasource, as deployed in the irradiation setup.
const (
	DefaultURL = "http://193.206.86.196:3000"
	DefaultUID = "ffbqtv11qyv40c"
)

// Slots are the module slots published to the monitoring stack.
var Slots = []string{"M1", "M2", "M3", "M4"}

// Mapping ties a module serial to its monitoring slot, with an
// optional affine calibration of the readback voltage.
type Mapping struct {
	Slot   string
	Slope  float64
	Offset float64
}

// Calibrate applies the mapping calibration to a raw readback value.
func (m Mapping) Calibrate(raw float64) float64 {
	return m.Slope*raw + m.Offset
}

// LoadModuleMap reads a module mapping file. Each line holds
// "<slot> <module-serial> [slope offset]"; blank lines and '#'
// comments are skipped. Slope and offset default to 1 and 0.
func LoadModuleMap(fname string) (map[string]Mapping, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not open module map %q: %w", fname, err)
	}
	defer f.Close()

	maps := make(map[string]Mapping)
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		txt := strings.TrimSpace(sc.Text())
		if txt == "" || strings.HasPrefix(txt, "#") {
			continue
		}
		fields := strings.Fields(txt)
		if len(fields) < 2 {
			return nil, fmt.Errorf("grafana: module map %q: invalid line %d: %q", fname, line, txt)
		}
		m := Mapping{Slot: fields[0], Slope: 1}
		if len(fields) >= 4 {
			m.Slope, err = strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("grafana: module map %q: invalid slope on line %d: %w", fname, line, err)
			}
			m.Offset, err = strconv.ParseFloat(fields[3], 64)
			if err != nil {
				return nil, fmt.Errorf("grafana: module map %q: invalid offset on line %d: %w", fname, line, err)
			}
		}
		maps[fields[1]] = m
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("grafana: could not read module map %q: %w", fname, err)
	}
	return maps, nil
}

// Client queries register readback values through the Grafana
// datasource API.
type Client struct {
	url string
	uid string // datasource uid
	key string // API key

	window  time.Duration // lookback window of the query
	timeout time.Duration
	cli     *http.Client
}

// COption configures a Client.
type COption func(*Client)

// WithURL sets the Grafana base URL.
func WithURL(url string) COption {
	return func(cli *Client) { cli.url = url }
}

// WithDatasource sets the InfluxDB datasource UID.
func WithDatasource(uid string) COption {
	return func(cli *Client) { cli.uid = uid }
}

// WithAPIKey sets the Grafana API key.
func WithAPIKey(key string) COption {
	return func(cli *Client) { cli.key = key }
}

// WithTimeout sets the HTTP timeout of the client.
func WithTimeout(d time.Duration) COption {
	return func(cli *Client) { cli.timeout = d }
}

// NewClient creates a Client for the default datasource, with the API
// key from the GRAFANA_API_KEY environment variable.
func NewClient(opts ...COption) *Client {
	cli := &Client{
		url:     DefaultURL,
		uid:     DefaultUID,
		key:     os.Getenv("GRAFANA_API_KEY"),
		window:  5 * time.Minute,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cli)
	}
	cli.cli = &http.Client{Timeout: cli.timeout}
	return cli
}

type dsQuery struct {
	Queries []dsSubQuery `json:"queries"`
	From    string       `json:"from"`
	To      string       `json:"to"`
}

type dsSubQuery struct {
	RefID      string       `json:"refId"`
	Datasource dsDatasource `json:"datasource"`
	Query      string       `json:"query"`
}

type dsDatasource struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

type dsResponse struct {
	Results map[string]struct {
		Frames []struct {
			Schema struct {
				Name string `json:"name"`
			} `json:"schema"`
			Data struct {
				Values [][]float64 `json:"values"`
			} `json:"data"`
		} `json:"frames"`
	} `json:"results"`
}

// FetchRegisterValues queries the last REG[V] reading of each module
// slot within the lookback window. Slots with no data in range are
// absent from the returned map.
func (cli *Client) FetchRegisterValues(ctx context.Context) (map[string]float64, error) {
	var flux strings.Builder
	flux.WriteString(`from(bucket: "RegisterRead")`)
	fmt.Fprintf(&flux, ` |> range(start: -%dm)`, int(cli.window.Minutes()))
	flux.WriteString(` |> filter(fn: (r) => `)
	for i, slot := range Slots {
		if i > 0 {
			flux.WriteString(" or ")
		}
		fmt.Fprintf(&flux, `r["_measurement"] == %q`, slot)
	}
	flux.WriteString(`)`)
	flux.WriteString(` |> filter(fn: (r) => r["_field"] == "REG[V]")`)
	flux.WriteString(` |> last()`)

	now := time.Now().UTC()
	query := dsQuery{
		Queries: []dsSubQuery{{
			RefID:      "A",
			Datasource: dsDatasource{Type: "influxdb", UID: cli.uid},
			Query:      flux.String(),
		}},
		From: strconv.FormatInt(now.Add(-cli.window).UnixMilli(), 10),
		To:   strconv.FormatInt(now.UnixMilli(), 10),
	}

	body := new(bytes.Buffer)
	err := json.NewEncoder(body).Encode(query)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.url+"/api/ds/query", body)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cli.key != "" {
		req.Header.Set("Authorization", "Bearer "+cli.key)
	}

	resp, err := cli.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not query datasource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("grafana: could not query datasource: status %s", resp.Status)
	}

	var data dsResponse
	err = json.NewDecoder(resp.Body).Decode(&data)
	if err != nil {
		return nil, fmt.Errorf("grafana: could not decode datasource reply: %w", err)
	}

	vals := make(map[string]float64, len(Slots))
	for _, frame := range data.Results["A"].Frames {
		slot := frame.Schema.Name
		if !validSlot(slot) {
			continue
		}
		// values[0] holds timestamps, values[1] the readings.
		if len(frame.Data.Values) < 2 || len(frame.Data.Values[1]) == 0 {
			continue
		}
		readings := frame.Data.Values[1]
		vals[slot] = math.Round(readings[len(readings)-1]*100) / 100
	}
	return vals, nil
}

func validSlot(slot string) bool {
	for _, s := range Slots {
		if s == slot {
			return true
		}
	}
	return false
}
