package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const STORAGE_TYPE = "APPROVAL_STORAGE_TYPE"
const DATABASE_URL = "APPROVAL_DATABASE_URL"
const SQLLITE_FILE_NAME = "APPROVAL_SQLLITE_FILE_NAME"
const REDIS_ADDR = "APPROVAL_REDIS_ADDR"
const REDIS_PASSWORD = "APPROVAL_REDIS_PASSWORD"
const REDIS_DB = "APPROVAL_REDIS_DB"
const URGENCY_THRESHOLD = "APPROVAL_URGENCY_THRESHOLD"            // how close to its due date a task turns urgent
const DEFAULT_TIME_LIMIT_HOURS = "APPROVAL_DEFAULT_TIME_LIMIT_HOURS" // applied to nodes without a time limit
const LOG_LEVEL = "APPROVAL_LOG_LEVEL"
const MACHINE_ID = "APPROVAL_MACHINE_ID" // snowflake machine id, unique per process
const DEFINITIONS_FILE = "APPROVAL_DEFINITIONS_FILE"
const DIRECTORY_FILE = "APPROVAL_DIRECTORY_FILE"

const STORAGE_TYPE_MEMORY = "MEMORY"
const STORAGE_TYPE_REDIS = "REDIS"
const STORAGE_TYPE_SQLLITE = "SQLLITE"
const STORAGE_TYPE_POSTGRES = "POSTGRES"
const STORAGE_TYPE_MYSQL = "MYSQL"

// Settings is the process configuration, read once at startup.
type Settings struct {
	StorageType      string
	DatabaseURL      string
	SQLiteFile       string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	UrgencyThreshold time.Duration
	DefaultTimeLimit time.Duration
	LogLevel         slog.Level
	MachineID        uint16
	DefinitionsFile  string
	DirectoryFile    string
}

// Load reads Settings from the environment. Unset keys take their defaults;
// malformed values are errors.
func Load() (Settings, error) {
	s := Settings{
		StorageType:     strings.ToUpper(GetSystemSettingString(STORAGE_TYPE)),
		DatabaseURL:     GetSystemSettingString(DATABASE_URL),
		SQLiteFile:      GetSystemSettingString(SQLLITE_FILE_NAME),
		RedisAddr:       GetSystemSettingString(REDIS_ADDR),
		RedisPassword:   GetSystemSettingString(REDIS_PASSWORD),
		DefinitionsFile: GetSystemSettingString(DEFINITIONS_FILE),
		DirectoryFile:   GetSystemSettingString(DIRECTORY_FILE),
	}

	switch s.StorageType {
	case STORAGE_TYPE_MEMORY, STORAGE_TYPE_REDIS, STORAGE_TYPE_SQLLITE:
	case STORAGE_TYPE_POSTGRES, STORAGE_TYPE_MYSQL:
		if s.DatabaseURL == "" {
			return Settings{}, fmt.Errorf("%s is required for storage type %s", DATABASE_URL, s.StorageType)
		}
	default:
		return Settings{}, fmt.Errorf("unsupported %s %q", STORAGE_TYPE, s.StorageType)
	}

	var err error
	if s.RedisDB, err = integer(REDIS_DB); err != nil {
		return Settings{}, err
	}
	if s.UrgencyThreshold, err = time.ParseDuration(GetSystemSettingString(URGENCY_THRESHOLD)); err != nil || s.UrgencyThreshold <= 0 {
		return Settings{}, fmt.Errorf("invalid %s %q", URGENCY_THRESHOLD, GetSystemSettingString(URGENCY_THRESHOLD))
	}
	hours, err := integer(DEFAULT_TIME_LIMIT_HOURS)
	if err != nil {
		return Settings{}, err
	}
	if hours <= 0 {
		return Settings{}, fmt.Errorf("%s must be positive, got %d", DEFAULT_TIME_LIMIT_HOURS, hours)
	}
	s.DefaultTimeLimit = time.Duration(hours) * time.Hour

	machineID, err := strconv.ParseUint(GetSystemSettingString(MACHINE_ID), 10, 16)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid %s: %w", MACHINE_ID, err)
	}
	s.MachineID = uint16(machineID)

	if err := s.LogLevel.UnmarshalText([]byte(GetSystemSettingString(LOG_LEVEL))); err != nil {
		return Settings{}, fmt.Errorf("invalid %s: %w", LOG_LEVEL, err)
	}
	return s, nil
}

func integer(settingKey string) (int, error) {
	val := GetSystemSettingString(settingKey)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", settingKey, val, err)
	}
	return n, nil
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	switch settingKey {
	case STORAGE_TYPE:
		return STORAGE_TYPE_MEMORY
	case SQLLITE_FILE_NAME:
		return "./approval.db"
	case REDIS_ADDR:
		return "localhost:6379"
	case URGENCY_THRESHOLD:
		return "4h"
	case DEFAULT_TIME_LIMIT_HOURS:
		return "48"
	case LOG_LEVEL:
		return "INFO"
	case MACHINE_ID:
		return "1"
	}
	return ""
}
