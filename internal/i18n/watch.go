package i18n

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// Watch reloads the catalogs whenever a .toml file in the override directory
// changes. It returns immediately when no directory is configured and
// otherwise blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return err
	}
	c.log.Info().Str("dir", c.dir).Msg("watching locales")

	// Editors emit several events per save; coalesce them.
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".toml") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			if err := c.Reload(); err != nil {
				c.log.Error().Err(err).Msg("locale reload failed, keeping previous catalogs")
				continue
			}
			c.log.Info().Strs("locales", c.Locales()).Msg("locales reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}
