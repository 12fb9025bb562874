// Export internal functions for testing
package store

// EncodeChunkWith encodes c with the given codec, as a Store configured for
// that compression would.
func EncodeChunkWith(c *ChunkStore, codec Codec) ([]byte, error) {
	comp, err := defaultCompressor()
	if err != nil {
		return nil, err
	}
	records, _ := c.snapshot()
	return encodeChunk(records, codec, comp)
}
