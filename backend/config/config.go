package config

import (
	"time"
)

type Scan struct {
	Threads  int           `ini:"threads" yaml:"threads" comment:"number of concurrent probes, default: 10"`
	Port     int           `ini:"port" yaml:"port" comment:"FTP control port, default: 21"`
	Timeout  time.Duration `ini:"timeout" yaml:"timeout" comment:"per connection timeout, default: 5s"`
	User     string        `ini:"user" yaml:"user" comment:"login user, default: anonymous"`
	Password string        `ini:"password" yaml:"password"`
}

type Mirror struct {
	Enable  bool   `ini:"enable" yaml:"enable" comment:"copy the tree of every anonymous host"`
	Root    string `ini:"root" yaml:"root" comment:"mirror root directory, default: sledge-data"`
	Workers int    `ini:"workers" yaml:"workers" comment:"hosts mirrored at the same time, default: 1"`
	Retries int    `ini:"retries" yaml:"retries" comment:"extra connect/login attempts per host"`
}

type Log struct {
	Dir   string `ini:"dir" yaml:"dir" comment:"log directory, empty logs to stderr only"`
	Level string `ini:"level" yaml:"level" comment:"trace/debug/info/warn/error"`
}

type Config struct {
	Version string `ini:"version" yaml:"version"`
	Scan    Scan   `yaml:"scan"`
	Mirror  Mirror `yaml:"mirror"`
	Log     Log    `yaml:"log"`
}
