package core

// Persisted layout of the state column family. Reserved singleton keys sit
// under short unprefixed names; record families use a one-letter prefix and
// raw binary components. Contract substores live under "w" ‖ addr.

import (
	"encoding/json"
	"fmt"
)

const (
	keyConfig             = "cfg"
	keyLastFinalizedBlock = "lfb"
	appConfigPrefix       = "app:"
	codePrefix            = "c:"
	contractPrefix        = "a:"
	cronPrefix            = "cron:"
	contractNamespace     = "w"
)

func codeKey(hash Hash) []byte        { return concatBytes([]byte(codePrefix), hash[:]) }
func contractKey(addr Address) []byte { return concatBytes([]byte(contractPrefix), addr[:]) }
func cronKey(addr Address) []byte     { return concatBytes([]byte(cronPrefix), addr[:]) }
func appConfigKey(name string) []byte { return concatBytes([]byte(appConfigPrefix), []byte(name)) }

//---------------------------------------------------------------------
// Typed accessors
//---------------------------------------------------------------------

// loadJSON reads and decodes a JSON record, returning notFound if absent.
func loadJSON(store KVStore, key []byte, out any, notFound error) error {
	bz, err := store.Read(key)
	if err != nil {
		return err
	}
	if bz == nil {
		return notFound
	}
	if err := json.Unmarshal(bz, out); err != nil {
		return fmt.Errorf("corrupted state record %q: %w", key, err)
	}
	return nil
}

// saveJSON encodes and writes a JSON record.
func saveJSON(store KVStore, key []byte, v any) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Write(key, bz)
}

func loadConfig(store KVStore) (Config, error) {
	var cfg Config
	err := loadJSON(store, []byte(keyConfig), &cfg, fmt.Errorf("chain config not set"))
	return cfg, err
}

func saveConfig(store KVStore, cfg Config) error {
	return saveJSON(store, []byte(keyConfig), cfg)
}

func loadLastFinalizedBlock(store KVStore) (BlockInfo, error) {
	var block BlockInfo
	err := loadJSON(store, []byte(keyLastFinalizedBlock), &block, fmt.Errorf("no finalized block yet"))
	return block, err
}

func saveLastFinalizedBlock(store KVStore, block BlockInfo) error {
	return saveJSON(store, []byte(keyLastFinalizedBlock), block)
}

func loadCode(store KVStore, hash Hash) ([]byte, error) {
	bz, err := store.Read(codeKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, hash)
	}
	return bz, nil
}

func hasCode(store KVStore, hash Hash) (bool, error) {
	bz, err := store.Read(codeKey(hash))
	if err != nil {
		return false, err
	}
	return bz != nil, nil
}

func saveCode(store KVStore, hash Hash, code []byte) error {
	return store.Write(codeKey(hash), code)
}

func loadContractInfo(store KVStore, addr Address) (ContractInfo, error) {
	var info ContractInfo
	err := loadJSON(store, contractKey(addr), &info, fmt.Errorf("%w: %s", ErrContractNotFound, addr))
	return info, err
}

func saveContractInfo(store KVStore, addr Address, info ContractInfo) error {
	return saveJSON(store, contractKey(addr), info)
}

func loadAppConfig(store KVStore, name string) (json.RawMessage, error) {
	bz, err := store.Read(appConfigKey(name))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("app config %q not set", name)
	}
	return bz, nil
}

// loadNextCronTime returns the scheduled next firing time for a cron
// contract, or ok=false if none has been scheduled yet.
func loadNextCronTime(store KVStore, addr Address) (Timestamp, bool, error) {
	bz, err := store.Read(cronKey(addr))
	if err != nil {
		return 0, false, err
	}
	if bz == nil {
		return 0, false, nil
	}
	var ts Timestamp
	if err := json.Unmarshal(bz, &ts); err != nil {
		return 0, false, fmt.Errorf("corrupted cron record for %s: %w", addr, err)
	}
	return ts, true, nil
}

func saveNextCronTime(store KVStore, addr Address, ts Timestamp) error {
	return saveJSON(store, cronKey(addr), ts)
}

func removeCronTime(store KVStore, addr Address) error {
	return store.Remove(cronKey(addr))
}
