package config

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// LoadDotenv reads KEY=VALUE pairs from path. It never fails: a missing or
// unreadable file yields an empty overlay, and a malformed file is salvaged
// line by line, keeping every line that parses on its own.
func LoadDotenv(path string, log *zap.Logger) map[string]string {
	if log == nil {
		log = zap.NewNop()
	}
	if path == "" {
		return map[string]string{}
	}

	env, err := godotenv.Read(path)
	if err == nil {
		log.Debug("loaded dotenv overlay", zap.String("path", path), zap.Int("keys", len(env)))
		return env
	}
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("dotenv file not found, using empty overlay", zap.String("path", path))
		return map[string]string{}
	}

	data, readErr := os.ReadFile(path) //nolint:gosec // user-supplied dotenv path is expected
	if readErr != nil {
		log.Warn("cannot read dotenv file, using empty overlay", zap.String("path", path), zap.Error(readErr))
		return map[string]string{}
	}

	log.Warn("malformed dotenv file, keeping parseable lines", zap.String("path", path), zap.Error(err))
	return salvageDotenv(data, path, log)
}

func salvageDotenv(data []byte, path string, log *zap.Logger) map[string]string {
	env := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		kv, err := godotenv.Unmarshal(string(line))
		if err != nil {
			log.Warn("skipping dotenv line", zap.String("path", path), zap.Int("line", lineNum), zap.Error(err))
			continue
		}
		for k, v := range kv {
			env[k] = v
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("stopped reading dotenv file", zap.String("path", path), zap.Error(err))
	}
	return env
}
