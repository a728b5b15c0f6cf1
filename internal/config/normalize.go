package config

import "strings"

func (c *Config) normalize() error {
	var err error
	for _, field := range []*string{
		&c.Paths.StoreDir,
		&c.Paths.StagingDir,
		&c.Paths.LogDir,
		&c.Paths.SubmitDir,
		&c.Run.InstanceDir,
	} {
		trimmed := strings.TrimSpace(*field)
		if trimmed == "" {
			*field = ""
			continue
		}
		*field, err = expandPath(trimmed)
		if err != nil {
			return err
		}
	}

	c.Build.AptGetBinary = strings.TrimSpace(c.Build.AptGetBinary)
	c.Build.PipBinary = strings.TrimSpace(c.Build.PipBinary)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}
