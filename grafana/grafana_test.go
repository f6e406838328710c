// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package grafana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadModuleMap(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "module_map.txt")
	err := os.WriteFile(fname, []byte(`
# slot  serial           [slope offset]
M1 20UPGM23211190
M2 20UPGR93210231 0.5 0.1

M4 20UPGM23211207 2 0
`), 0644)
	if err != nil {
		t.Fatalf("could not write module map: %+v", err)
	}

	maps, err := LoadModuleMap(fname)
	if err != nil {
		t.Fatalf("could not load module map: %+v", err)
	}

	want := map[string]Mapping{
		"20UPGM23211190": {Slot: "M1", Slope: 1, Offset: 0},
		"20UPGR93210231": {Slot: "M2", Slope: 0.5, Offset: 0.1},
		"20UPGM23211207": {Slot: "M4", Slope: 2, Offset: 0},
	}
	if !reflect.DeepEqual(maps, want) {
		t.Fatalf("invalid module map:\ngot= %#v\nwant=%#v", maps, want)
	}

	if got, want := maps["20UPGR93210231"].Calibrate(2.0), 1.1; got != want {
		t.Fatalf("invalid calibration: got=%v, want=%v", got, want)
	}
}

func TestLoadModuleMapErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadModuleMap(filepath.Join(dir, "not-there.txt")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}

	for _, tc := range []struct {
		name string
		raw  string
		want string
	}{
		{"short-line", "M1\n", "invalid line"},
		{"bad-slope", "M1 mod x 0\n", "invalid slope"},
		{"bad-offset", "M1 mod 1 x\n", "invalid offset"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(dir, tc.name+".txt")
			err := os.WriteFile(fname, []byte(tc.raw), 0644)
			if err != nil {
				t.Fatalf("could not write module map: %+v", err)
			}
			_, err = LoadModuleMap(fname)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error: %+v", err)
			}
		})
	}
}

func dsReply(slots map[string][]float64) []byte {
	type frame struct {
		Schema struct {
			Name string `json:"name"`
		} `json:"schema"`
		Data struct {
			Values [][]float64 `json:"values"`
		} `json:"data"`
	}
	var frames []frame
	for slot, vals := range slots {
		var f frame
		f.Schema.Name = slot
		ts := make([]float64, len(vals))
		f.Data.Values = [][]float64{ts, vals}
		frames = append(frames, f)
	}
	reply := map[string]interface{}{
		"results": map[string]interface{}{
			"A": map[string]interface{}{"frames": frames},
		},
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestFetchRegisterValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ds/query" {
			http.NotFound(w, r)
			return
		}
		if got, want := r.Header.Get("Authorization"), "Bearer s3cr3t"; got != want {
			t.Errorf("invalid auth header: got=%q, want=%q", got, want)
		}
		var query struct {
			Queries []struct {
				Query string `json:"query"`
			} `json:"queries"`
		}
		err := json.NewDecoder(r.Body).Decode(&query)
		if err != nil {
			t.Errorf("could not decode query: %+v", err)
		}
		if len(query.Queries) != 1 || !strings.Contains(query.Queries[0].Query, `r["_field"] == "REG[V]"`) {
			t.Errorf("invalid flux query: %#v", query)
		}
		_, _ = w.Write(dsReply(map[string][]float64{
			"M1":    {1.204, 1.231},
			"M2":    {4.567},
			"M3":    {},
			"bogus": {42},
		}))
	}))
	defer srv.Close()

	cli := NewClient(WithURL(srv.URL), WithAPIKey("s3cr3t"))
	vals, err := cli.FetchRegisterValues(context.Background())
	if err != nil {
		t.Fatalf("could not fetch register values: %+v", err)
	}

	want := map[string]float64{"M1": 1.23, "M2": 4.57}
	if !reflect.DeepEqual(vals, want) {
		t.Fatalf("invalid register values:\ngot= %v\nwant=%v", vals, want)
	}
}

func TestFetchRegisterValuesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	cli := NewClient(WithURL(srv.URL))
	_, err := cli.FetchRegisterValues(context.Background())
	if err == nil || !strings.Contains(err.Error(), "status") {
		t.Fatalf("invalid error: %+v", err)
	}

	srv.Close()
	_, err = cli.FetchRegisterValues(context.Background())
	if err == nil {
		t.Fatalf("expected an error for an unreachable server")
	}
}
