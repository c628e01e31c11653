package store

import "github.com/edjab/dbclient/keys"

// Config describes one table.
type Config struct {
	// TableName is the DynamoDB table name.
	TableName string

	// PartitionAttr is the hash key attribute.
	// Default: "country"
	PartitionAttr string

	// SortAttr is the range key attribute. Empty for hash-only tables, whose
	// hash key is the joined natural id.
	SortAttr string

	// Partition is the constant hash key value of tables with a sort key.
	// Default: "INDIA"
	Partition string

	// NumShards spreads the constant partition over several hash keys.
	// Prefix queries fan out over every shard.
	// Default: 1 (no sharding)
	// Max: 256
	NumShards int

	// Separator joins the parts of a composite sort key.
	// Default: "_"
	Separator string

	// Indexes maps secondary index names to their hash key attribute.
	Indexes map[string]string

	// ConsistentReads makes Get and Exists strongly consistent.
	ConsistentReads bool
}

// DefaultConfig returns the settings shared by the Edjab tables.
func DefaultConfig() Config {
	return Config{
		PartitionAttr: "country",
		Partition:     "INDIA",
		NumShards:     1,
		Separator:     keys.DefaultSeparator,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.PartitionAttr == "" {
		c.PartitionAttr = "country"
	}
	if c.SortAttr != "" && c.Partition == "" {
		c.Partition = "INDIA"
	}
	if c.Separator == "" {
		c.Separator = keys.DefaultSeparator
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
}

func (c Config) keyBuilder() keys.Builder {
	if c.SortAttr == "" {
		return keys.Builder{Separator: c.Separator}
	}
	return keys.Builder{
		Partition: c.Partition,
		NumShards: c.NumShards,
		Separator: c.Separator,
	}
}
