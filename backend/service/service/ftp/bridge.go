package ftp

import (
	"context"

	"sledge/backend/application"
	"sledge/backend/config"
	"sledge/backend/ftpclient"
	"sledge/backend/scanner/ftpscan"
)

// Bridge exposes scanning to the command line front end.
type Bridge struct {
	app     *application.Application
	manager *Manager
}

// NewBridge builds the engine and manager from the application config. A nil
// dialer talks to real servers.
func NewBridge(app *application.Application, dialer ftpclient.Dialer) *Bridge {
	engine := ftpscan.NewEngine(defaultOptionsFromConfig(app.Config.Scan), dialer, app.Logger.WithField("component", "ftpscan"))
	return &Bridge{
		app:     app,
		manager: NewManager(app, engine, dialer),
	}
}

func (b *Bridge) StartTask(req Request) (*Task, error) {
	return b.manager.StartTask(req)
}

func (b *Bridge) Wait(ctx context.Context, taskID int64) (*Task, error) {
	return b.manager.Wait(ctx, taskID)
}

func (b *Bridge) StopTask(taskID int64) error {
	return b.manager.StopTask(taskID)
}

func (b *Bridge) GetTask(taskID int64) (*Task, error) {
	return b.manager.GetTask(taskID)
}

func (b *Bridge) ListTasks() []*Task {
	return b.manager.ListTasks()
}

func (b *Bridge) Subscribe(fn func(TaskEvent)) func() {
	return b.manager.Subscribe(fn)
}

func (b *Bridge) GetDefaults() config.Scan {
	return b.app.Config.Scan
}

// SaveDefaults persists cfg when the application has a config file and
// applies it to subsequent tasks.
func (b *Bridge) SaveDefaults(cfg config.Scan) error {
	b.app.Config.Scan = cfg
	if b.app.ConfigFile != "" {
		if err := b.app.WriteConfig(b.app.Config); err != nil {
			b.app.Logger.Error(err)
			return err
		}
	}
	b.manager.UpdateDefaults(defaultOptionsFromConfig(cfg))
	return nil
}

func defaultOptionsFromConfig(cfg config.Scan) ftpscan.DefaultOptions {
	return ftpscan.DefaultOptions{
		Threads:  cfg.Threads,
		Port:     cfg.Port,
		Timeout:  cfg.Timeout,
		User:     cfg.User,
		Password: cfg.Password,
	}
}
