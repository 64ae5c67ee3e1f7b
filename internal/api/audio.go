package api

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/storage"
)

// SignedFileStore serves files behind signed URLs. *storage.LocalStore
// satisfies it.
type SignedFileStore interface {
	Verify(key, expires, sig string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// AudioFileHandler serves GET /audio/* for URLs issued by the local store's
// signer. Requests without a valid, unexpired signature get 403.
func AudioFileHandler(store SignedFileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		q := r.URL.Query()
		if err := store.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
			switch {
			case errors.Is(err, storage.ErrInvalidKey):
				WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid audio key")
			case errors.Is(err, storage.ErrSignatureExpired):
				WriteError(w, http.StatusForbidden, "link expired")
			default:
				WriteError(w, http.StatusForbidden, "invalid signature")
			}
			return
		}

		f, err := store.Open(r.Context(), key)
		if errors.Is(err, fs.ErrNotExist) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio file not found")
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("open audio failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to open audio")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", storage.ContentTypeForKey(key))
		w.Header().Set("Cache-Control", "private, max-age=300")

		// Range support for seeking in the browser player.
		if rs, ok := f.(io.ReadSeeker); ok {
			var mod time.Time
			if st, ok := f.(interface{ Stat() (fs.FileInfo, error) }); ok {
				if info, err := st.Stat(); err == nil {
					mod = info.ModTime()
				}
			}
			http.ServeContent(w, r, key, mod, rs)
			return
		}
		io.Copy(w, f)
	}
}
