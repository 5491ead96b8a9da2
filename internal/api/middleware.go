package api

import (
	"errors"
	"fmt"
	"net/http"
)

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}

// errorHandler turns a panicking handler into a 500 and closes the
// connection, since the response may be half written.
func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			err := asError(v)
			s.log.Printf("recovered panic in %s %s: %v", r.Method, r.URL.Path, err)
			w.Header().Set("Connection", "close")
			s.writeError(w, NewInternalServerError(err))
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the participant from the identity token and
// stores the user id in the request context.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if errors.Is(err, errNoToken) {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		if err != nil {
			s.log.Printf("read identity token for %s: %v", r.URL.Path, err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Printf("rejected identity token for %s: %v", r.URL.Path, err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}
