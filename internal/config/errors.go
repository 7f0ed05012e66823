package config

import "errors"

var ErrConfigIsNil = errors.New("config is nil")
var ErrUnknownProfile = errors.New("unknown storage profile")
var ErrMissingProductionDSN = errors.New("production profile needs a production dsn")
var ErrUnknownLogFormat = errors.New("unknown log format")
var ErrInvalidValue = errors.New("invalid config value")
