package entity

import "strconv"

// Version - позиция агрегата в его журнале событий, начиная с нуля.
type Version uint64

func (v Version) Increment() Version {
	return v + 1
}

// Decrement на нулевой версии - ошибка программиста.
func (v Version) Decrement() Version {
	if v == 0 {
		panic("entity: decrement of zero version")
	}
	return v - 1
}

func (v Version) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// NextVersion возвращает первую свободную версию после головы журнала.
// Для агрегата без событий это 0.
func NextVersion(head Version, exists bool) Version {
	if !exists {
		return 0
	}
	return head.Increment()
}
