// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config loads ini-formatted option files, such as the submitter's fee
// and gas policy file.
package config

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/ini.v1"
)

// OptionsMapToINIData generates ini []byte data from settings. Keys are sorted
// so the output is stable.
func OptionsMapToINIData(options map[string]string) []byte {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buffer bytes.Buffer
	for _, k := range keys {
		buffer.WriteString(fmt.Sprintf("%s=%s\n", k, options[k]))
	}
	return buffer.Bytes()
}

// options collects the key-value options of every section. Options in later
// sections override same-named options in earlier sections.
func options(cfgFile *ini.File) map[string]string {
	options := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			options[key.Name()] = key.String()
		}
	}
	return options
}

// Parse parses config options from the provided config file path or []byte
// data into the specified struct object. Section headers are ignored: if the
// data has any, all options are flattened into the default section first. A
// value that does not parse as its field's type is an error.
func Parse(cfgPathOrData, obj any) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	cfgSections := cfgFile.Sections()
	if len(cfgSections) > 1 || cfgSections[0].Name() != ini.DefaultSection {
		return Parse(OptionsMapToINIData(options(cfgFile)), obj)
	}

	return cfgFile.StrictMapTo(obj)
}

// ParseSection parses only the options of the named section into obj. The
// default section is applied first, so it can hold shared defaults. A missing
// section is not an error; obj keeps the default section's values. As with
// Parse, malformed values are errors.
func ParseSection(cfgPathOrData any, section string, obj any) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}
	if err := cfgFile.Section(ini.DefaultSection).StrictMapTo(obj); err != nil {
		return err
	}
	sec, err := cfgFile.GetSection(section)
	if err != nil {
		return nil
	}
	return sec.StrictMapTo(obj)
}
