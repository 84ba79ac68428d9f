package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded config each time the config file
// is written or replaced. A reload that fails validation is passed as err
// and the previous settings stay in effect for the caller. Without a
// config file Watch does nothing.
func (s *Source) Watch(onChange func(cfg *Config, err error)) {
	if s.file == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.handleChange(e, onChange)
	})
	s.v.WatchConfig()
}

func (s *Source) handleChange(e fsnotify.Event, onChange func(*Config, error)) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := s.Config()
	onChange(cfg, err)
}
