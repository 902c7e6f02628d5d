package repository

import "errors"

// ErrNotFound возвращается, когда запрошенная запись отсутствует в БД.
var ErrNotFound = errors.New("not found")
