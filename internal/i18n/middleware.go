package i18n

import "net/http"

// Middleware injects a localizer negotiated from the request's Accept-Language
// header, falling back to lang.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			chosen := Negotiate(r.Header.Get("Accept-Language"), lang)
			w.Header().Set("Content-Language", chosen)
			ctx := WithLocalizer(r.Context(), NewLocalizer(chosen))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
