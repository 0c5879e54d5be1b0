package health

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/mirrorproxy"
)

type Status string

const (
	UP      = Status("UP")
	DOWN    = Status("DOWN")
	STARTUP = Status("STARTUP")
)

type StatusReport struct {
	Status        Status
	ActiveClients int32
}

func DefaultReadinessHandler() http.Handler {
	return ReadinessHandler(nil)
}

func ReadinessHandler(proxy *mirrorproxy.MirrorProxy) http.Handler {
	return http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.NotFound(rsp, req)
			return
		}

		report := PerformHealthCheck(proxy)
		bytes, err := json.Marshal(report)
		if err != nil {
			uid := uuid.New()
			msg := fmt.Sprintf("Internal server error with code %v", uid)
			log.Errorf("Could not perform health check (code: %v): %v", uid, err)

			http.Error(rsp, msg, http.StatusInternalServerError)
			return
		}

		header := rsp.Header()
		header.Set("Content-Type", "application/json")
		if report.Status == UP {
			rsp.WriteHeader(http.StatusOK)
		} else {
			rsp.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = rsp.Write(bytes)
	})
}

func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.NotFound(rsp, req)
			return
		}
		rsp.WriteHeader(http.StatusOK)
		_, _ = rsp.Write([]byte("OK"))
	})
}

func PerformHealthCheck(proxy *mirrorproxy.MirrorProxy) *StatusReport {
	if proxy == nil {
		return &StatusReport{Status: STARTUP}
	}
	if !proxy.Ready() {
		return &StatusReport{Status: DOWN, ActiveClients: proxy.ActiveClients()}
	}
	return &StatusReport{Status: UP, ActiveClients: proxy.ActiveClients()}
}
