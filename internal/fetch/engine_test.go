package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

func testUnit() stock.WorkUnit {
	return stock.WorkUnit{
		Year:          "2023",
		Month:         "06",
		WarehouseID:   "WH-002",
		WarehouseName: "Dhaka CWH",
		UpazilaID:     "T123",
		UpazilaName:   "Savar",
		UnionCode:     "U01",
		UnionName:     "Aminbazar",
		ItemCode:      "CON008",
		ItemName:      "Shukhi",
	}
}

func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(config.PortalConfig{
		BaseURL:        serverURL + "/",
		ReportBaseURL:  serverURL + "/report/",
		UserAgent:      "test-agent",
		TimeoutSeconds: 5,
	}, nil)
	require.NoError(t, err)
	return client
}

const emptyTabs = `<div></div>`

func TestFetchUnitAPIStrategy(t *testing.T) {
	var gotForm atomic.Pointer[map[string]string]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.PostFormValue("operation") {
		case "getItemTab":
			w.Write([]byte(emptyTabs))
		case "getItemlist":
			form := map[string]string{}
			for k := range r.PostForm {
				form[k] = r.PostFormValue(k)
			}
			gotForm.Store(&form)
			w.Write([]byte(`{"aaData": [
				["1", "Aminbazar FWC", "10", "5", "15", "0", "0", "15", "8", "7", "", "0", "<img src='tick.png'>"],
				["", "Grand Total", "10", "5", "15", "0", "0", "15", "8", "7", "", "0", ""]
			]}`))
		default:
			http.Error(w, "bad operation", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	engine := NewEngine(client, nil)

	records, err := engine.FetchUnit(context.Background(), testUnit())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Aminbazar FWC", records[0].Facility)
	assert.True(t, records[0].Eligible)

	form := *gotForm.Load()
	assert.Equal(t, "2023", form["Year"])
	assert.Equal(t, "06", form["Month"])
	assert.Equal(t, "CON008", form["Item"])
	assert.Equal(t, "T123", form["UPNameList"])
	assert.Equal(t, "U01", form["UnionList"])
	assert.Equal(t, "WH-002", form["WHListAll"])
	assert.Equal(t, "All", form["DistrictList"])
	assert.Equal(t, "-1", form["iDisplayLength"])
}

func TestFetchUnitEmptyMonth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.PostFormValue("operation") {
		case "getItemTab":
			w.Write([]byte(emptyTabs))
		default:
			w.Write([]byte(`{"aaData": []}`))
		}
	}))
	defer srv.Close()

	engine := NewEngine(testClient(t, srv.URL), nil)
	records, err := engine.FetchUnit(context.Background(), testUnit())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetchUnitFallsBackToHTML(t *testing.T) {
	var htmlHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			htmlHits.Add(1)
			w.Write([]byte(`<table id="example">
				<thead><tr><th>a</th><th>b</th><th>c</th><th>d</th><th>e</th><th>f</th></tr></thead>
				<tbody><tr><td>1</td><td>Aminbazar FWC</td><td>10</td><td>5</td><td>15</td><td>0</td><td>0</td><td>15</td></tr></tbody>
			</table>`))
			return
		}
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("operation") == "getItemTab" {
			w.Write([]byte(emptyTabs))
			return
		}
		// AJAX endpoint serves an HTML error page, which fails to parse.
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	engine := NewEngine(testClient(t, srv.URL), nil)
	records, err := engine.FetchUnit(context.Background(), testUnit())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Aminbazar FWC", records[0].Facility)
	assert.Equal(t, int32(1), htmlHits.Load())
}

func TestFetchUnitTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("operation") == "getItemTab" {
			w.Write([]byte(emptyTabs))
			return
		}
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := NewEngine(testClient(t, srv.URL), nil)
	_, err := engine.FetchUnit(context.Background(), testUnit())
	require.Error(t, err)
	assert.True(t, stock.IsTransient(err))
}

func TestFetchUnitPermanentShortCircuits(t *testing.T) {
	var htmlHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			htmlHits.Add(1)
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("operation") == "getItemTab" {
			w.Write([]byte(emptyTabs))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	engine := NewEngine(testClient(t, srv.URL), nil)
	_, err := engine.FetchUnit(context.Background(), testUnit())
	require.Error(t, err)
	assert.True(t, stock.IsPermanent(err))
	assert.Equal(t, int32(0), htmlHits.Load(), "fallback should not run after a permanent failure")
}

func TestFetchUnitKnownAbsentItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("operation") == "getItemTab" {
			w.Write([]byte(`<button id="CON002">Apon</button><button id="CON003">IUD</button>`))
			return
		}
		t.Errorf("data endpoint should not be hit for a known-absent item")
	}))
	defer srv.Close()

	engine := NewEngine(testClient(t, srv.URL), nil)
	_, err := engine.FetchUnit(context.Background(), testUnit())
	require.Error(t, err)
	assert.True(t, stock.IsPermanent(err))
	assert.Equal(t, "item not reported for this union", stock.PermanentNote(err))
}

func TestUpazilasAndUnions(t *testing.T) {
	var upazilaHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.PostFormValue("operation") {
		case "getSDPUPList":
			upazilaHits.Add(1)
			assert.Equal(t, "WH-002", r.PostFormValue("gWRHId"))
			// Bare-array form.
			w.Write([]byte(`[{"upazila_id": "T123", "upazila_name": "Savar"}]`))
		case "getUnionList":
			assert.Equal(t, "T123", r.PostFormValue("upcode"))
			// Enveloped form.
			w.Write([]byte(`{"data": [{"UnionCode": "U01", "UnionName": "Aminbazar"}]}`))
		default:
			http.Error(w, "bad operation", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	ctx := context.Background()

	upazilas, err := client.Upazilas(ctx, "2023", "06", "WH-002")
	require.NoError(t, err)
	require.Len(t, upazilas, 1)
	assert.Equal(t, "Savar", upazilas[0].Name)

	// Second call is served from cache.
	_, err = client.Upazilas(ctx, "2023", "06", "WH-002")
	require.NoError(t, err)
	assert.Equal(t, int32(1), upazilaHits.Load())

	unions, err := client.Unions(ctx, "2023", "06", "T123")
	require.NoError(t, err)
	require.Len(t, unions, 1)
	assert.Equal(t, "U01", unions[0].Code)
}

func TestClassify(t *testing.T) {
	assert.True(t, stock.IsPermanent(classify(http.StatusNotFound, assert.AnError)))
	assert.True(t, stock.IsPermanent(classify(http.StatusGone, assert.AnError)))
	assert.True(t, stock.IsTransient(classify(http.StatusInternalServerError, assert.AnError)))
	assert.True(t, stock.IsTransient(classify(http.StatusTooManyRequests, assert.AnError)))
	assert.True(t, stock.IsTransient(classify(0, assert.AnError)))
}
