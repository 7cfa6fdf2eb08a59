package entity

// Theme: цветовая схема интерфейса.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Toggle возвращает противоположную тему.
func (t Theme) Toggle() Theme {
	if t == ThemeDark {
		return ThemeLight
	}
	return ThemeDark
}

// RootClass: класс корневого элемента страницы, от которого зависят все стили.
func (t Theme) RootClass() string {
	if t == ThemeDark {
		return "dark"
	}
	return ""
}
