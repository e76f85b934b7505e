package config

import (
	"fmt"
	"reflect"
)

// MergeConfig 合并配置，src 中的非零值覆盖 dst
// - 两者都为 nil 返回错误
// - 只有一方为 nil 时返回另一方
// - 否则就地修改并返回 dst
//
// 零值不会覆盖默认值，因此布尔开关只能从 false 打开，不能从 true 关闭。
func MergeConfig[T any](dst, src *T) (*T, error) {
	if dst == nil && src == nil {
		return nil, fmt.Errorf("both dst and src cannot be nil")
	}
	if dst == nil {
		return src, nil
	}
	if src == nil {
		return dst, nil
	}

	if err := mergeValues(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem()); err != nil {
		return nil, err
	}
	return dst, nil
}

// mergeValues 递归合并
func mergeValues(dst, src reflect.Value) error {
	if !src.IsValid() || src.IsZero() {
		return nil
	}

	switch dst.Kind() {
	case reflect.Struct:
		t := src.Type()
		for i := 0; i < src.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			df := dst.FieldByName(field.Name)
			if !df.IsValid() || !df.CanSet() {
				continue
			}
			if err := mergeValues(df, src.Field(i)); err != nil {
				return fmt.Errorf("failed to merge field %s: %w", field.Name, err)
			}
		}
		return nil

	case reflect.Map:
		if dst.IsNil() {
			dst.Set(reflect.MakeMap(dst.Type()))
		}
		iter := src.MapRange()
		for iter.Next() {
			existing := dst.MapIndex(iter.Key())
			if !existing.IsValid() {
				dst.SetMapIndex(iter.Key(), iter.Value())
				continue
			}
			merged := reflect.New(dst.Type().Elem()).Elem()
			merged.Set(existing)
			if err := mergeValues(merged, iter.Value()); err != nil {
				return err
			}
			dst.SetMapIndex(iter.Key(), merged)
		}
		return nil

	case reflect.Ptr:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return mergeValues(dst.Elem(), src.Elem())

	default:
		// 基本类型与切片直接覆盖
		if dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
