package config

import "time"

type AppConfig struct {
	DBDriver   string          `yaml:"db_driver" env:"KESTREL_DB_DRIVER" env-default:"sqlite"`
	DBURL      string          `yaml:"db_url" env:"KESTREL_DB_URL" env-default:"data/kestrel.db"`
	ListenAddr string          `yaml:"listen_addr" env:"KESTREL_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv     string          `yaml:"app_env" env:"KESTREL_APP_ENV"`
	Intake     IntakeConfig    `yaml:"intake"`
	Media      MediaConfig     `yaml:"media"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
}

type IntakeConfig struct {
	IdentifierPrefix string        `yaml:"identifier_prefix" env:"KESTREL_INTAKE_IDENTIFIER_PREFIX" env-default:"EMS"`
	SequencePad      int           `yaml:"sequence_pad" env:"KESTREL_INTAKE_SEQUENCE_PAD" env-default:"3"`
	AllocateAttempts int           `yaml:"allocate_attempts" env:"KESTREL_INTAKE_ALLOCATE_ATTEMPTS" env-default:"10"`
	AllocateBackoff  time.Duration `yaml:"allocate_backoff" env:"KESTREL_INTAKE_ALLOCATE_BACKOFF" env-default:"100ms"`
}

type MediaConfig struct {
	StorageDir     string            `yaml:"storage_dir" env:"KESTREL_MEDIA_STORAGE_DIR" env-default:"data/media"`
	MaxPhotoBytes  int64             `yaml:"max_photo_bytes" env:"KESTREL_MEDIA_MAX_PHOTO_BYTES" env-default:"10485760"`
	MaxVideoBytes  int64             `yaml:"max_video_bytes" env:"KESTREL_MEDIA_MAX_VIDEO_BYTES" env-default:"104857600"`
	PhotoMIMETypes []string          `yaml:"photo_mime_types" env:"KESTREL_MEDIA_PHOTO_MIME_TYPES" env-separator:"," env-default:"image/jpeg,image/png,image/gif,image/webp"`
	VideoMIMETypes []string          `yaml:"video_mime_types" env:"KESTREL_MEDIA_VIDEO_MIME_TYPES" env-separator:"," env-default:"video/mp4,video/quicktime,video/webm"`
	MaxImageWidth  int               `yaml:"max_image_width" env:"KESTREL_MEDIA_MAX_IMAGE_WIDTH" env-default:"8000"`
	MaxImageHeight int               `yaml:"max_image_height" env:"KESTREL_MEDIA_MAX_IMAGE_HEIGHT" env-default:"8000"`
	Compression    CompressionConfig `yaml:"compression"`
	Thumbnails     []ThumbnailSize   `yaml:"thumbnails"`
}

type CompressionConfig struct {
	Enabled   bool `yaml:"enabled" env:"KESTREL_MEDIA_COMPRESSION_ENABLED" env-default:"true"`
	MaxWidth  int  `yaml:"max_width" env:"KESTREL_MEDIA_COMPRESSION_MAX_WIDTH" env-default:"1920"`
	MaxHeight int  `yaml:"max_height" env:"KESTREL_MEDIA_COMPRESSION_MAX_HEIGHT" env-default:"1080"`
	Quality   int  `yaml:"quality" env:"KESTREL_MEDIA_COMPRESSION_QUALITY" env-default:"80"`
}

type ThumbnailSize struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// DefaultThumbnailSizes is applied when the config carries no thumbnail table.
func DefaultThumbnailSizes() []ThumbnailSize {
	return []ThumbnailSize{
		{Name: "small", Width: 320, Height: 240},
		{Name: "medium", Width: 640, Height: 480},
	}
}

func (m *MediaConfig) ThumbnailTable() []ThumbnailSize {
	if m == nil || len(m.Thumbnails) == 0 {
		return DefaultThumbnailSizes()
	}
	return m.Thumbnails
}

type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled" env:"KESTREL_SCHEDULER_ENABLED" env-default:"true"`
	IntervalSeconds int  `yaml:"interval_seconds" env:"KESTREL_SCHEDULER_INTERVAL_SECONDS" env-default:"3600"`
}
