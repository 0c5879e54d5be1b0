package httpmirror

import (
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

func StartHttpServer(addr string, wg *sync.WaitGroup) *http.Server {
	srv := &http.Server{Addr: addr}

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("Failed to listen on the metrics endpoint: %v. "+
				"The proxy will stay up and listen for CQL requests.", err)
		}
	}()

	return srv
}
