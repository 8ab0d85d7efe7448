package handlers

import (
	"net/http"

	"github.com/cabohealth/nova/pkg/gateway/apierror"
	"github.com/cabohealth/nova/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, apierror.NotFound("not found"), reqID)
}
