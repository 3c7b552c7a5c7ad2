package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	bitcask "github.com/yonwoo9/bitcask-kv"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := bitcask.Open("test",
		bitcask.MaxDatafileSize(4096),
		bitcask.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer db.Close()

	// 存储一个键值对
	if err = db.Put("key1", []byte("value1")); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("stored key1")

	// 获取键对应的值
	value, ok, err := db.Get("key1")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("get key1:", string(value), ok)

	// 批量存储键值对
	batch := map[string][]byte{
		"key2": []byte("value2"),
		"key3": []byte("value3"),
	}
	if err = db.BatchPut(batch); err != nil {
		fmt.Println(err)
		return
	}

	values, err := db.BatchGet([]string{"key2", "key3", "missing"})
	if err != nil {
		fmt.Println(err)
		return
	}
	for k, v := range values {
		fmt.Printf("batch get key:%s, val:%s\n", k, string(v))
	}

	// 覆盖写入，让旧记录成为可回收的垃圾
	for i := 0; i < 200; i++ {
		if err = db.Put("counter", []byte(fmt.Sprintf("%d", i))); err != nil {
			fmt.Println(err)
			return
		}
	}

	if err = db.Delete("key1"); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("deleted key1")

	before := db.Stats()
	if err = db.Merge(); err != nil {
		fmt.Println(err)
		return
	}
	after := db.Stats()
	fmt.Printf("merge: %d segments -> %d segments\n", before.Segments, after.Segments)

	// 遍历键
	iterator := db.Iterator()
	for iterator.Next() {
		key := iterator.Key()
		value, ok, err := iterator.Value()
		if err != nil {
			fmt.Println(err)
			continue
		}
		if ok {
			fmt.Printf("iterator key:%s, val:%s\n", key, string(value))
		}
	}
}
