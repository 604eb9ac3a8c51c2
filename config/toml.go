package config

import (
	"github.com/BurntSushi/toml"
)

// DecodeTOMLFile decodes the TOML file at path into result, keeping any field
// the file does not mention.
func DecodeTOMLFile(path string, result any) error {
	md, err := toml.DecodeFile(path, result)
	if err != nil {
		return err
	}
	return checkUndecoded(md)
}

// DecodeTOML decodes TOML text into result.
func DecodeTOML(data string, result any) error {
	md, err := toml.Decode(data, result)
	if err != nil {
		return err
	}
	return checkUndecoded(md)
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		return &UnknownKeysError{Keys: keys}
	}
	return nil
}

// UnknownKeysError lists keys present in the file but absent from Config.
type UnknownKeysError struct {
	Keys []toml.Key
}

func (e *UnknownKeysError) Error() string {
	msg := "config: unknown keys:"
	for _, k := range e.Keys {
		msg += " " + k.String()
	}
	return msg
}
