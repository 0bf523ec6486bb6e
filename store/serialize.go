package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

func SerializeObject[T any](data *T) ([]byte, error) {
	if data == nil {
		return nil, errors.New("cannot serialize nil object")
	}
	buffer := &bytes.Buffer{}
	encoder := gob.NewEncoder(buffer)
	err := encoder.Encode(data)
	return buffer.Bytes(), err
}

func DeserializeObject[T any](input []byte) (*T, error) {
	output := new(T)
	decoder := gob.NewDecoder(bytes.NewBuffer(input))
	err := decoder.Decode(&output)
	return output, err
}

func SerializeUint64(value uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, value)
	return data
}

func DeserializeUint64(input []byte) uint64 {
	if len(input) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(input)
}

func serializeDate(date time.Time) []byte {
	if date.IsZero() {
		return SerializeUint64(0)
	}
	return SerializeUint64(uint64(date.UnixNano()))
}

func deserializeDate(input []byte) time.Time {
	value := DeserializeUint64(input)
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(value)).UTC()
}

// getObject returns nil without error when the key does not exist.
func getObject[T any](bucket *bolt.Bucket, key string) (*T, error) {
	data := bucket.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	return DeserializeObject[T](data)
}

func putObject[T any](bucket *bolt.Bucket, key string, value *T) error {
	data, err := SerializeObject(value)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}
